package store

import (
	"context"
	"strings"

	kivik "github.com/go-kivik/kivik/v4"
	_ "github.com/go-kivik/kivik/v4/couchdb"
	"github.com/pkg/errors"

	"github.com/musthaq16/vehicle-route-simulator/types"
)

type couchDoc struct {
	ID  string `json:"_id"`
	Rev string `json:"_rev"`
	types.Feature
}

type couchDeletion struct {
	ID      string `json:"_id"`
	Rev     string `json:"_rev"`
	Deleted bool   `json:"_deleted"`
}

// CouchDB talks to a CouchDB or Cloudant database.
type CouchDB struct {
	client *kivik.Client
	db     *kivik.DB
	name   string
}

// openCouch splits target at its last slash into server and database name.
func openCouch(target string) (*CouchDB, error) {
	idx := strings.LastIndex(target, "/")
	host, name := target[:idx], target[idx+1:]
	if name == "" || strings.HasSuffix(host, "/") {
		return nil, errors.Errorf("no database name in %q", target)
	}

	client, err := kivik.New("couch", host)
	if err != nil {
		return nil, errors.Wrap(err, "couchdb client")
	}
	db := client.DB(name)
	if err := db.Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "use database %s", name)
	}
	return &CouchDB{client: client, db: db, name: name}, nil
}

func (c *CouchDB) Insert(ctx context.Context, f types.Feature) (Ref, error) {
	id, rev, err := c.db.CreateDoc(ctx, f)
	if err != nil {
		return Ref{}, errors.Wrap(err, "create document")
	}
	return Ref{ID: id, Rev: rev}, nil
}

func (c *CouchDB) List(ctx context.Context) ([]Document, error) {
	rs := c.db.AllDocs(ctx, kivik.Param("include_docs", true))
	defer rs.Close()

	docs := []Document{}
	for rs.Next() {
		id, err := rs.ID()
		if err != nil {
			return nil, errors.Wrap(err, "read row id")
		}
		if strings.HasPrefix(id, "_design/") {
			continue
		}
		var doc couchDoc
		if err := rs.ScanDoc(&doc); err != nil {
			return nil, errors.Wrapf(err, "decode document %s", id)
		}
		docs = append(docs, Document{Ref: Ref{ID: doc.ID, Rev: doc.Rev}, Feature: doc.Feature})
	}
	if err := rs.Err(); err != nil {
		return nil, errors.Wrap(err, "list documents")
	}
	return docs, nil
}

func (c *CouchDB) BulkDelete(ctx context.Context, refs []Ref) error {
	docs := make([]interface{}, len(refs))
	for i, ref := range refs {
		docs[i] = couchDeletion{ID: ref.ID, Rev: ref.Rev, Deleted: true}
	}
	results, err := c.db.BulkDocs(ctx, docs)
	if err != nil {
		return errors.Wrap(err, "bulk delete")
	}

	bulkErr := &BulkDeleteError{Requested: len(refs)}
	for i, r := range results {
		if r.Error == nil {
			continue
		}
		ref := Ref{ID: r.ID}
		if i < len(refs) {
			ref = refs[i]
		}
		bulkErr.add(ref, r.Error)
	}
	return bulkErr.orNil()
}

func (c *CouchDB) Info(ctx context.Context) (Info, error) {
	stats, err := c.db.Stats(ctx)
	if err != nil {
		return Info{}, errors.Wrapf(err, "database %s", c.name)
	}
	return Info{Backend: "couchdb", Name: stats.Name, DocCount: stats.DocCount}, nil
}

func (c *CouchDB) Close() error {
	return c.client.Close()
}
