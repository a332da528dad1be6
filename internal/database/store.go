// Package database keeps document metadata and text in redis.
//
// Each document is a hash at documents.<id> holding its metadata and the
// revision of the stored text, plus a string at texts.<id> holding the text.
package database

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/mapstructure"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

var (
	ErrNotFound      = errors.New("document not found")
	ErrStaleRevision = errors.New("stored text is newer")
)

// DefaultAuthor is recorded when a document is created without one.
const DefaultAuthor = "Автор"

const (
	documentPrefix = "documents."
	textPrefix     = "texts."
)

func documentKey(id string) string { return documentPrefix + id }
func textKey(id string) string     { return textPrefix + id }

// Document is the metadata of a stored document.
type Document struct {
	ID       string `json:"id" mapstructure:"id"`
	Name     string `json:"name" mapstructure:"name"`
	Author   string `json:"author" mapstructure:"author"`
	Revision uint64 `json:"revision" mapstructure:"revision"`
	Created  int64  `json:"created" mapstructure:"created"`
}

// Options configures the redis connection.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
}

// Store reads and writes documents.
type Store struct {
	rdb *redis.Client
	log zerolog.Logger
	now func() time.Time
}

// saveText writes the text only if the stored revision is not newer.
// Returns -1 when the document does not exist and 0 when the write is stale.
var saveText = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
local current = tonumber(redis.call('HGET', KEYS[1], 'revision') or '0')
if tonumber(ARGV[2]) < current then
	return 0
end
redis.call('SET', KEYS[2], ARGV[1])
redis.call('HSET', KEYS[1], 'revision', ARGV[2])
return 1
`)

// Open connects to redis and checks the connection.
func Open(ctx context.Context, opts Options, logger zerolog.Logger) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("could not connect to redis at %s: %w", opts.Addr, err)
	}
	return NewStore(rdb, logger), nil
}

// NewStore wraps an existing client.
func NewStore(rdb *redis.Client, logger zerolog.Logger) *Store {
	return &Store{rdb: rdb, log: logger, now: time.Now}
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Ping checks the connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// CreateDocument stores a new document with the given initial text.
func (s *Store) CreateDocument(ctx context.Context, name, author, text string) (Document, error) {
	if author == "" {
		author = DefaultAuthor
	}
	doc := Document{
		ID:      uuid.NewString(),
		Name:    name,
		Author:  author,
		Created: s.now().Unix(),
	}
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, documentKey(doc.ID),
			"id", doc.ID,
			"name", doc.Name,
			"author", doc.Author,
			"revision", doc.Revision,
			"created", doc.Created,
		)
		pipe.Set(ctx, textKey(doc.ID), text, 0)
		return nil
	})
	if err != nil {
		return Document{}, fmt.Errorf("create document: %w", err)
	}
	s.log.Info().Str("document", doc.ID).Str("name", doc.Name).Msg("created document")
	return doc, nil
}

// ListDocuments returns all documents, oldest first.
func (s *Store) ListDocuments(ctx context.Context) ([]Document, error) {
	docs := []Document{}
	iter := s.rdb.Scan(ctx, 0, documentPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		id := strings.TrimPrefix(iter.Val(), documentPrefix)
		doc, err := s.GetDocument(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// Deleted while scanning.
			continue
		}
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan documents: %w", err)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].Created != docs[j].Created {
			return docs[i].Created < docs[j].Created
		}
		return docs[i].ID < docs[j].ID
	})
	return docs, nil
}

// GetDocument returns the metadata of document id.
func (s *Store) GetDocument(ctx context.Context, id string) (Document, error) {
	res, err := s.rdb.HGetAll(ctx, documentKey(id)).Result()
	if err != nil {
		return Document{}, fmt.Errorf("get document %s: %w", id, err)
	}
	if len(res) == 0 {
		return Document{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return decodeDocument(res)
}

// DeleteDocument removes document id and its text.
func (s *Store) DeleteDocument(ctx context.Context, id string) error {
	n, err := s.rdb.Del(ctx, documentKey(id), textKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete document %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	s.log.Info().Str("document", id).Msg("deleted document")
	return nil
}

// LoadText returns the stored text of document id and its revision.
func (s *Store) LoadText(ctx context.Context, id string) (string, uint64, error) {
	var (
		rev  *redis.StringCmd
		text *redis.StringCmd
	)
	_, err := s.rdb.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		rev = pipe.HGet(ctx, documentKey(id), "revision")
		text = pipe.Get(ctx, textKey(id))
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", 0, fmt.Errorf("load text %s: %w", id, err)
	}
	if errors.Is(rev.Err(), redis.Nil) {
		return "", 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	revision, err := strconv.ParseUint(rev.Val(), 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("load text %s: bad revision %q", id, rev.Val())
	}
	// A missing text key is an empty document.
	return text.Val(), revision, nil
}

// SaveText stores text as revision of document id. A write older than the
// stored revision is rejected with ErrStaleRevision.
func (s *Store) SaveText(ctx context.Context, id, text string, revision uint64) error {
	res, err := saveText.Run(ctx, s.rdb, []string{documentKey(id), textKey(id)}, text, revision).Int()
	if err != nil {
		return fmt.Errorf("save text %s: %w", id, err)
	}
	switch res {
	case -1:
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	case 0:
		return fmt.Errorf("%w: %s at revision %d", ErrStaleRevision, id, revision)
	}
	return nil
}

func decodeDocument(raw map[string]string) (Document, error) {
	var doc Document
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		WeaklyTypedInput: true,
		Result:           &doc,
	})
	if err != nil {
		return Document{}, err
	}
	if err := dec.Decode(raw); err != nil {
		return Document{}, fmt.Errorf("decode document: %w", err)
	}
	return doc, nil
}
