// Package auth provides account registration and login backed by bcrypt
// password hashing, stateless JWT access/refresh token pairs, and the HTTP
// middleware that gates the API behind them.
package auth
