// Package document stores generated articles.
package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a document does not exist
var ErrNotFound = errors.New("document not found")

// Document statuses
const (
	StatusPublish = "publish"
	StatusDraft   = "draft"
)

var bucketDocuments = []byte("documents")

// Document is a stored article
type Document struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	HTML       string    `json:"html"`
	Status     string    `json:"status"`
	AuthorID   string    `json:"author_id,omitempty"`
	Type       string    `json:"type"`
	Categories []string  `json:"categories,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store is the content store documents are published to
type Store interface {
	CreateDocument(ctx context.Context, title, html, status, authorID, docType string) (string, error)
	SetCategories(ctx context.Context, id string, categories []string) error
	Permalink(id string) string
}

// BoltStorage implements Store using BoltDB
type BoltStorage struct {
	db      *bolt.DB
	baseURL string
}

// NewBoltStorage creates the documents bucket in db. baseURL prefixes permalinks.
func NewBoltStorage(db *bolt.DB, baseURL string) (*BoltStorage, error) {
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketDocuments)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create documents bucket: %w", err)
	}

	return &BoltStorage{db: db, baseURL: strings.TrimRight(baseURL, "/")}, nil
}

// CreateDocument stores a new document and returns its ID
func (s *BoltStorage) CreateDocument(ctx context.Context, title, html, status, authorID, docType string) (string, error) {
	if status == "" {
		status = StatusPublish
	}
	if docType == "" {
		docType = "post"
	}

	doc := &Document{
		ID:        uuid.New().String(),
		Title:     title,
		HTML:      html,
		Status:    status,
		AuthorID:  authorID,
		Type:      docType,
		CreatedAt: time.Now(),
	}

	err := s.db.Update(func(tx *bolt.Tx) error {
		return putDocument(tx, doc)
	})
	if err != nil {
		return "", fmt.Errorf("failed to store document: %w", err)
	}

	return doc.ID, nil
}

// SetCategories replaces the categories of a document
func (s *BoltStorage) SetCategories(ctx context.Context, id string, categories []string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}

		var doc Document
		if err := json.Unmarshal(data, &doc); err != nil {
			return fmt.Errorf("failed to unmarshal document: %w", err)
		}
		doc.Categories = append([]string(nil), categories...)

		return putDocument(tx, &doc)
	})
}

// Get retrieves a document by ID
func (s *BoltStorage) Get(ctx context.Context, id string) (*Document, error) {
	var doc *Document

	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketDocuments).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		doc = &Document{}
		return json.Unmarshal(data, doc)
	})
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// Count returns the number of stored documents
func (s *BoltStorage) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(bucketDocuments).Stats().KeyN
		return nil
	})
	return n, err
}

// Permalink returns the public URL of a document
func (s *BoltStorage) Permalink(id string) string {
	return s.baseURL + "/posts/" + id
}

func putDocument(tx *bolt.Tx, doc *Document) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}
	return tx.Bucket(bucketDocuments).Put([]byte(doc.ID), data)
}
