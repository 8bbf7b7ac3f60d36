// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain entities to keep the domain layer pure and free
// from ORM concerns.
//
// Structure:
// - base.go: shared helpers and the model registry
// - json.go: JSON column type used for measurement maps and bucket sets
// - tally.go: events, inventories, instance states and snapshots
package models
