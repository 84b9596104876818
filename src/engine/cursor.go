package engine

import (
	"context"

	"docrel/src/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.uber.org/multierr"
)

// Cursor yields instances of one model type. Every instance it yields is tracked by the session.
type Cursor struct {
	session *Session
	typ     *ModelType
	cur     docstore.Cursor
	current *Instance
	err     error
}

// Next advances to the next instance.
func (c *Cursor) Next(ctx context.Context) bool {
	if c.err != nil || !c.cur.Next(ctx) {
		c.current = nil
		return false
	}
	var doc bson.M
	if err := c.cur.Decode(&doc); err != nil {
		c.err = storageError("decode "+c.typ.name, err)
		return false
	}
	inst, err := c.session.load(c.typ, doc)
	if err != nil {
		c.err = err
		return false
	}
	c.current = inst
	return true
}

func (c *Cursor) Instance() *Instance {
	return c.current
}

func (c *Cursor) Err() error {
	if c.err != nil {
		return c.err
	}
	if err := c.cur.Err(); err != nil {
		return storageError("iterate "+c.typ.name, err)
	}
	return nil
}

func (c *Cursor) Close(ctx context.Context) error {
	if err := c.cur.Close(ctx); err != nil {
		return storageError("close cursor on "+c.typ.name, err)
	}
	return nil
}

// All drains and closes the cursor.
func (c *Cursor) All(ctx context.Context) (out []*Instance, err error) {
	defer func() {
		err = multierr.Append(err, c.Close(ctx))
	}()

	for c.Next(ctx) {
		out = append(out, c.current)
	}
	if err := c.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
