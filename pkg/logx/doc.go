// Package logx is cfspeed's structured logging layer on top of zerolog.
//
// A Logger obtained from a Service follows every Service.Apply, so
// components keep their loggers across config reloads. The Service fans
// out to a console writer, an optional JSON file and an optional alert
// sink that hands condensed WARN+ lines to a callback, rate limited.
package logx
