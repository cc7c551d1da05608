// Package storage persists races and the game/category catalog.
//
// The bot only needs row-level CRUD on races plus a (state, occurs
// window) range query; the catalog is read-only (rows are maintained by
// the operator directly in sqlite for now).
package storage
