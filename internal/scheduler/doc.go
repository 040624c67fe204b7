// Package scheduler defines the core types shared by the queue, ledger,
// backend and admission subsystems.
package scheduler
