// Package database manages the SQLite connection and schema migrations.
//
// The pool is pinned to a single connection: SQLite allows one writer,
// and routing every statement through the same connection keeps the
// store's compare-and-swap transactions from deadlocking against
// sibling connections in the same process. WAL mode keeps readers
// unblocked while that writer works.
//
// Migrations are embedded SQL files registered by the migrations
// package at init time and applied in filename order, each inside its
// own transaction.
package database
