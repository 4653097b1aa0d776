// Package service contains the business logic layer of the application.
//
// THE THREE LAYERS:
//
//	Handler (HTTP)      → parses requests, writes responses
//	Service (business)  → validates, enforces the credit rules, orchestrates
//	Repository (ledger) → reads and writes accounts
//
// Services take interfaces (repository.AccountRepository, imagegen.Provider,
// storage.ObjectStore, billing.Processor) so tests can pass hand-written
// fakes and server.go can pick the concrete backends from configuration.
//
// Every error that should reach the client is an *apperror.AppError. Any
// other error is an internal failure; the handler logs it and answers 500.
package service
