package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/opentracing/opentracing-go"
	"github.com/pkg/errors"
	"go.etcd.io/bbolt"

	"github.com/mailtide/mailtide/interfaces"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/tracing"
)

const cacheBucket = "cache"

// CacheStore is the bbolt-backed offline cache. Emails live under
// email:<accountID>:<folder>:<emailID> and account summaries under
// account:<accountID>, so per-folder listings are a single prefix scan.
type CacheStore struct {
	db *bbolt.DB
}

func NewCacheStore(path string) (interfaces.EmailStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, errors.Wrap(err, "failed to create data directory")
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "failed to open cache database")
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(cacheBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to initialize cache bucket")
	}

	return &CacheStore{db: db}, nil
}

func (s *CacheStore) Close() error {
	return s.db.Close()
}

// keySegment escapes the separator so a folder like "a:b" cannot collide
// with or shadow another folder's prefix.
var keySegment = strings.NewReplacer("%", "%25", ":", "%3A")

func emailKey(accountID, folder, id string) []byte {
	return []byte(fmt.Sprintf("email:%s:%s:%s", keySegment.Replace(accountID), keySegment.Replace(folder), keySegment.Replace(id)))
}

func emailPrefix(accountID, folder string) []byte {
	return []byte(fmt.Sprintf("email:%s:%s:", keySegment.Replace(accountID), keySegment.Replace(folder)))
}

func accountPrefix(accountID string) []byte {
	return []byte(fmt.Sprintf("email:%s:", keySegment.Replace(accountID)))
}

func accountKey(accountID string) []byte {
	return []byte(fmt.Sprintf("account:%s", keySegment.Replace(accountID)))
}

func (s *CacheStore) PutEmail(ctx context.Context, email *models.Email) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "CacheStore.PutEmail")
	defer span.Finish()
	tracing.SetDefaultStorageSpanTags(ctx, span)
	tracing.TagAccount(span, email.AccountID)

	data, err := json.Marshal(email)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to serialize email")
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(cacheBucket)).Put(emailKey(email.AccountID, email.Folder, email.ID), data)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *CacheStore) GetEmail(ctx context.Context, accountID, folder, id string) (*models.Email, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "CacheStore.GetEmail")
	defer span.Finish()
	tracing.SetDefaultStorageSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var email *models.Email
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(cacheBucket)).Get(emailKey(accountID, folder, id))
		if data == nil {
			return nil
		}
		email = &models.Email{}
		return json.Unmarshal(data, email)
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return email, nil
}

// ListEmails returns every cached message for one folder, newest first.
func (s *CacheStore) ListEmails(ctx context.Context, accountID, folder string) ([]*models.Email, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "CacheStore.ListEmails")
	defer span.Finish()
	tracing.SetDefaultStorageSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)
	tracing.TagFolder(span, folder)

	var emails []*models.Email
	prefix := emailPrefix(accountID, folder)

	err := s.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(cacheBucket)).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			email := &models.Email{}
			if err := json.Unmarshal(v, email); err != nil {
				return err
			}
			emails = append(emails, email)
		}
		return nil
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}

	models.SortEmailsNewestFirst(emails)
	span.LogKV("result.count", len(emails))
	return emails, nil
}

func (s *CacheStore) DeleteEmail(ctx context.Context, accountID, folder, id string) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "CacheStore.DeleteEmail")
	defer span.Finish()
	tracing.SetDefaultStorageSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(cacheBucket)).Delete(emailKey(accountID, folder, id))
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *CacheStore) PutAccountSummary(ctx context.Context, summary models.AccountSummary) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "CacheStore.PutAccountSummary")
	defer span.Finish()
	tracing.SetDefaultStorageSpanTags(ctx, span)
	tracing.TagAccount(span, summary.ID)

	data, err := json.Marshal(summary)
	if err != nil {
		tracing.TraceErr(span, err)
		return errors.Wrap(err, "failed to serialize account summary")
	}

	err = s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(cacheBucket)).Put(accountKey(summary.ID), data)
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}

func (s *CacheStore) GetAccountSummary(ctx context.Context, accountID string) (*models.AccountSummary, error) {
	span, _ := opentracing.StartSpanFromContext(ctx, "CacheStore.GetAccountSummary")
	defer span.Finish()
	tracing.SetDefaultStorageSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	var summary *models.AccountSummary
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(cacheBucket)).Get(accountKey(accountID))
		if data == nil {
			return nil
		}
		summary = &models.AccountSummary{}
		return json.Unmarshal(data, summary)
	})
	if err != nil {
		tracing.TraceErr(span, err)
		return nil, err
	}
	return summary, nil
}

// DeleteAccount removes the account summary and every cached message that
// belongs to the account, across all folders.
func (s *CacheStore) DeleteAccount(ctx context.Context, accountID string) error {
	span, _ := opentracing.StartSpanFromContext(ctx, "CacheStore.DeleteAccount")
	defer span.Finish()
	tracing.SetDefaultStorageSpanTags(ctx, span)
	tracing.TagAccount(span, accountID)

	prefix := accountPrefix(accountID)

	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(cacheBucket))
		c := b.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return b.Delete(accountKey(accountID))
	})
	if err != nil {
		tracing.TraceErr(span, err)
	}
	return err
}
