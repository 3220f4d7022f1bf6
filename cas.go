package collectz

import "fmt"

// CAS is the default pooled item: a document's text plus the features stages
// attach to it. A CAS is reused across documents, so stages must not retain
// references to it after Process returns.
type CAS struct {
	Features   map[string]any
	chunk      *ChunkMetadata
	DocumentID string
	Text       string
}

// NewCAS creates an empty CAS.
func NewCAS() *CAS {
	return &CAS{Features: make(map[string]any)}
}

// NewCASFactory returns a pool factory producing empty CAS items.
func NewCASFactory() func() (*CAS, error) {
	return func() (*CAS, error) {
		return NewCAS(), nil
	}
}

// Reset clears all content so the CAS can be reused.
func (c *CAS) Reset() {
	c.DocumentID = ""
	c.Text = ""
	c.chunk = nil
	clear(c.Features)
}

// Chunk returns the chunk metadata, if this CAS is part of a series.
func (c *CAS) Chunk() (ChunkMetadata, bool) {
	if c.chunk == nil {
		return ChunkMetadata{}, false
	}
	return *c.chunk, true
}

// SetChunk marks the CAS as one chunk of a document.
func (c *CAS) SetChunk(meta ChunkMetadata) {
	m := meta
	c.chunk = &m
}

// Set stores a feature value.
func (c *CAS) Set(key string, value any) {
	if c.Features == nil {
		c.Features = make(map[string]any)
	}
	c.Features[key] = value
}

// Get returns a feature value.
func (c *CAS) Get(key string) (any, bool) {
	v, ok := c.Features[key]
	return v, ok
}

// Size estimates the content size in bytes.
func (c *CAS) Size() int {
	n := len(c.DocumentID) + len(c.Text)
	for k, v := range c.Features {
		n += len(k) + len(fmt.Sprint(v))
	}
	return n
}

// ToRecord flattens the CAS into its record representation.
func (c *CAS) ToRecord() Record {
	rec := Record{
		DocumentID: c.DocumentID,
		Text:       c.Text,
		Fields:     make(map[string]any, len(c.Features)),
	}
	for k, v := range c.Features {
		rec.Fields[k] = v
	}
	if c.chunk != nil {
		meta := *c.chunk
		rec.Chunk = &meta
	}
	return rec
}

// FromRecord overwrites the CAS content with the record's.
func (c *CAS) FromRecord(rec Record) error {
	c.DocumentID = rec.DocumentID
	c.Text = rec.Text
	if c.Features == nil {
		c.Features = make(map[string]any, len(rec.Fields))
	}
	clear(c.Features)
	for k, v := range rec.Fields {
		c.Features[k] = v
	}
	c.chunk = nil
	if rec.Chunk != nil {
		c.SetChunk(*rec.Chunk)
	}
	return nil
}
