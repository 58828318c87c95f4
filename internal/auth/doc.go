// Package auth provides API key authentication for the admin HTTP interface.
package auth
