package store

import (
	"encoding/json"
	"errors"
	"fmt"

	"bitmex-fleet-bot-go/internal/models"

	"github.com/dgraph-io/badger/v3"
	"github.com/jxskiss/base62"
)

const (
	botsPrefix      = "bots/"
	accountsPrefix  = "accounts/"
	ordersPrefix    = "orders/"
	positionsPrefix = "positions/"
	sessionsPrefix  = "sessions/"
	usersPrefix     = "users/"

	idSequenceKey = "meta/doc-id-seq"
)

// badgerStore implements Store on a BadgerDB database, one JSON document per
// key, keyed collection/id.
type badgerStore struct {
	db  *badger.DB
	seq *badger.Sequence
}

// NewBadgerStore opens (or creates) the database at dbPath.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging would drown ours; errors still surface from the
	// DB operations themselves.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}

	seq, err := db.GetSequence([]byte(idSequenceKey), 128)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &badgerStore{db: db, seq: seq}, nil
}

func (s *badgerStore) Bots() BotRepository           { return botRepo{s} }
func (s *badgerStore) Accounts() AccountRepository   { return accountRepo{s} }
func (s *badgerStore) Orders() OrderRepository       { return orderRepo{s} }
func (s *badgerStore) Positions() PositionRepository { return positionRepo{s} }
func (s *badgerStore) Sessions() SessionRepository   { return sessionRepo{s} }
func (s *badgerStore) Users() UserRepository         { return userRepo{s} }

func (s *badgerStore) Close() error {
	if err := s.seq.Release(); err != nil {
		return err
	}
	return s.db.Close()
}

// nextID draws from the store-wide sequence and encodes it as an opaque id.
func (s *badgerStore) nextID() (string, error) {
	n, err := s.seq.Next()
	if err != nil {
		return "", fmt.Errorf("failed to draw document id: %w", err)
	}
	return string(base62.FormatUint(n)), nil
}

// getDoc loads and unmarshals one document. A missing key is not an error:
// it returns (nil, nil), the "no document" case callers check for.
func getDoc[T any](db *badger.DB, key string) (*T, error) {
	var doc T
	err := db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func putDoc[T any](db *badger.DB, key string, doc *T) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), data)
	})
}

// updateDoc reads, mutates and rewrites one document inside a single badger
// transaction. Concurrent writers are last-write-wins across documents but
// serialized within one.
func updateDoc[T any](db *badger.DB, key string, fn func(*T) error) (*T, error) {
	var doc T
	err := db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &doc)
		}); err != nil {
			return err
		}
		if err := fn(&doc); err != nil {
			return err
		}
		data, err := json.Marshal(&doc)
		if err != nil {
			return err
		}
		return txn.Set([]byte(key), data)
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("document %s not found", key)
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// scanDocs walks every document under prefix and keeps those fn accepts.
// Collections here are small (tens of bots, not millions), a prefix scan is
// the document-store equivalent of the original's unindexed find.
func scanDocs[T any](db *badger.DB, prefix string, fn func(*T) bool) ([]T, error) {
	var out []T
	err := db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var doc T
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &doc)
			})
			if err != nil {
				return err
			}
			if fn == nil || fn(&doc) {
				out = append(out, doc)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type botRepo struct{ s *badgerStore }

func (r botRepo) Get(id string) (*models.Bot, error) {
	return getDoc[models.Bot](r.s.db, botsPrefix+id)
}

func (r botRepo) All() ([]models.Bot, error) {
	return scanDocs[models.Bot](r.s.db, botsPrefix, nil)
}

func (r botRepo) Put(bot *models.Bot) error {
	if bot.ID == "" {
		id, err := r.s.nextID()
		if err != nil {
			return err
		}
		bot.ID = id
	}
	return putDoc(r.s.db, botsPrefix+bot.ID, bot)
}

func (r botRepo) Update(id string, fn func(*models.Bot) error) (*models.Bot, error) {
	return updateDoc(r.s.db, botsPrefix+id, fn)
}

type accountRepo struct{ s *badgerStore }

func (r accountRepo) Get(id string) (*models.Account, error) {
	return getDoc[models.Account](r.s.db, accountsPrefix+id)
}

func (r accountRepo) Put(account *models.Account) error {
	if account.ID == "" {
		id, err := r.s.nextID()
		if err != nil {
			return err
		}
		account.ID = id
	}
	return putDoc(r.s.db, accountsPrefix+account.ID, account)
}

func (r accountRepo) Update(id string, fn func(*models.Account) error) (*models.Account, error) {
	return updateDoc(r.s.db, accountsPrefix+id, fn)
}

type orderRepo struct{ s *badgerStore }

func (r orderRepo) Get(id string) (*models.Order, error) {
	return getDoc[models.Order](r.s.db, ordersPrefix+id)
}

func (r orderRepo) Put(order *models.Order) error {
	if order.ID == "" {
		id, err := r.s.nextID()
		if err != nil {
			return err
		}
		order.ID = id
	}
	return putDoc(r.s.db, ordersPrefix+order.ID, order)
}

func (r orderRepo) Update(id string, fn func(*models.Order) error) (*models.Order, error) {
	return updateDoc(r.s.db, ordersPrefix+id, fn)
}

func (r orderRepo) FindByExchangeID(exchangeOrderID, pair string) (*models.Order, error) {
	matches, err := scanDocs(r.s.db, ordersPrefix, func(o *models.Order) bool {
		return o.ExchangeOrderID == exchangeOrderID && o.Pair == pair
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

type positionRepo struct{ s *badgerStore }

func (r positionRepo) Get(id string) (*models.Position, error) {
	return getDoc[models.Position](r.s.db, positionsPrefix+id)
}

func (r positionRepo) Put(position *models.Position) error {
	if position.ID == "" {
		id, err := r.s.nextID()
		if err != nil {
			return err
		}
		position.ID = id
	}
	return putDoc(r.s.db, positionsPrefix+position.ID, position)
}

func (r positionRepo) Update(id string, fn func(*models.Position) error) (*models.Position, error) {
	return updateDoc(r.s.db, positionsPrefix+id, fn)
}

func (r positionRepo) FindOpen(botID, sessionID string) (*models.Position, error) {
	matches, err := scanDocs(r.s.db, positionsPrefix, func(p *models.Position) bool {
		return p.IsOpen && !p.Liquidated && p.BotID == botID && p.SessionID == sessionID
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, nil
	}
	return &matches[0], nil
}

type sessionRepo struct{ s *badgerStore }

func (r sessionRepo) Get(id string) (*models.Session, error) {
	return getDoc[models.Session](r.s.db, sessionsPrefix+id)
}

func (r sessionRepo) Put(session *models.Session) error {
	if session.ID == "" {
		id, err := r.s.nextID()
		if err != nil {
			return err
		}
		session.ID = id
	}
	return putDoc(r.s.db, sessionsPrefix+session.ID, session)
}

func (r sessionRepo) Update(id string, fn func(*models.Session) error) (*models.Session, error) {
	return updateDoc(r.s.db, sessionsPrefix+id, fn)
}

type userRepo struct{ s *badgerStore }

func (r userRepo) Get(id string) (*models.User, error) {
	return getDoc[models.User](r.s.db, usersPrefix+id)
}

func (r userRepo) Put(user *models.User) error {
	if user.ID == "" {
		id, err := r.s.nextID()
		if err != nil {
			return err
		}
		user.ID = id
	}
	return putDoc(r.s.db, usersPrefix+user.ID, user)
}
