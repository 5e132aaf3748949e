// Package tgui builds Telegram HTML message bodies.
//
// Values of type H are already escaped and safe to send with ParseMode HTML.
package tgui
