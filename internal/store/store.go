// Package store is the document store behind the fleet. Documents are
// referenced by opaque ids; mutations are find-and-update by id with
// last-write-wins semantics and there are no cross-document transactions.
// Code that performs related writes must tolerate a crash between them; the
// worker's init path reconciles from whatever partial state it finds.
package store

import "bitmex-fleet-bot-go/internal/models"

// BotRepository accesses the bots collection.
type BotRepository interface {
	// Get returns (nil, nil) when no document exists for id.
	Get(id string) (*models.Bot, error)
	All() ([]models.Bot, error)
	// Put upserts the document, assigning an id when empty.
	Put(bot *models.Bot) error
	// Update applies fn to the stored document and writes it back.
	Update(id string, fn func(*models.Bot) error) (*models.Bot, error)
}

// AccountRepository accesses the accounts collection.
type AccountRepository interface {
	Get(id string) (*models.Account, error)
	Put(account *models.Account) error
	Update(id string, fn func(*models.Account) error) (*models.Account, error)
}

// OrderRepository accesses the orders collection.
type OrderRepository interface {
	Get(id string) (*models.Order, error)
	Put(order *models.Order) error
	Update(id string, fn func(*models.Order) error) (*models.Order, error)
	// FindByExchangeID resolves an order by the exchange's own id and pair,
	// the only handle the private order stream gives us.
	FindByExchangeID(exchangeOrderID, pair string) (*models.Order, error)
}

// PositionRepository accesses the positions collection.
type PositionRepository interface {
	Get(id string) (*models.Position, error)
	Put(position *models.Position) error
	Update(id string, fn func(*models.Position) error) (*models.Position, error)
	// FindOpen returns the open, non-liquidated position for (bot, session),
	// or (nil, nil). At most one such position exists at any time.
	FindOpen(botID, sessionID string) (*models.Position, error)
}

// SessionRepository accesses the sessions collection.
type SessionRepository interface {
	Get(id string) (*models.Session, error)
	Put(session *models.Session) error
	Update(id string, fn func(*models.Session) error) (*models.Session, error)
}

// UserRepository accesses the users collection.
type UserRepository interface {
	Get(id string) (*models.User, error)
	Put(user *models.User) error
}

// Store bundles the collections used by the coordinator and the workers.
type Store interface {
	Bots() BotRepository
	Accounts() AccountRepository
	Orders() OrderRepository
	Positions() PositionRepository
	Sessions() SessionRepository
	Users() UserRepository
	Close() error
}
