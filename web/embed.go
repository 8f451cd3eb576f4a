// Package web embeds the browser frontend of the image library.
package web

import "embed"

// FS holds index.html, served at / by the server.
//
//go:embed index.html
var FS embed.FS
