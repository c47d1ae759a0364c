// Package lex implements the lexical full-text index using bluge
// (github.com/blugelabs/bluge), a Tantivy-like segmented inverted index
// library.
//
// bluge owns its own segment-file format behind an index.Directory; rather
// than reverse-engineer that format into the TOC-tracked payload region
// byte-for-byte, this package persists the indexable corpus itself
// (frame id, URI, search text) as one embedded segment per flush and keeps
// a bluge in-memory-config reader/writer pair live for the process
// lifetime. On every open the pair is rebuilt from the search text of the
// frames listed in the TOC; the persisted corpus segment is not read back
// at open. This keeps
// the single-file invariant (the corpus, not a directory of bluge segment
// files, is what's embedded) while still getting bluge's actual query
// execution. See DESIGN.md for the full rationale.
package lex

import (
	"context"
	"encoding/binary"
	"fmt"

	"github.com/blugelabs/bluge"
	"lukechampine.com/blake3"

	"github.com/ashita-ai/memvid/internal/errs"
)

const (
	fieldFrameID = "_frame_id"
	fieldURI     = "_uri"
	fieldText    = "text"
)

// Doc is one document added to the lexical index.
type Doc struct {
	FrameID uint64
	URI     string
	Text    string
}

// Engine wraps a live bluge reader/writer pair plus the corpus needed to
// rebuild it.
type Engine struct {
	writer *bluge.Writer
	corpus []Doc
}

// Open creates a fresh in-memory bluge index and indexes corpus into it.
func Open(corpus []Doc) (*Engine, error) {
	cfg := bluge.InMemoryOnlyConfig()
	w, err := bluge.OpenWriter(cfg)
	if err != nil {
		return nil, fmt.Errorf("lex: open writer: %w", err)
	}

	e := &Engine{writer: w}
	if len(corpus) > 0 {
		if err := e.addBatch(corpus); err != nil {
			w.Close()
			return nil, err
		}
	}
	e.corpus = append([]Doc(nil), corpus...)
	return e, nil
}

func toBlugeDoc(d Doc) *bluge.Document {
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, d.FrameID)

	doc := bluge.NewDocument(string(idBuf))
	doc.AddField(bluge.NewTextField(fieldText, d.Text).StoreValue().SearchTermPositions())
	doc.AddField(bluge.NewKeywordField(fieldURI, d.URI).StoreValue())
	doc.AddField(bluge.NewNumericField(fieldFrameID, float64(d.FrameID)).StoreValue())
	return doc
}

func (e *Engine) addBatch(docs []Doc) error {
	batch := bluge.NewBatch()
	for _, d := range docs {
		batch.Update(toBlugeDoc(d).ID(), toBlugeDoc(d))
	}
	return e.writer.Batch(batch)
}

// Add incrementally indexes a single new frame without a full rebuild. The
// engine does not call it: each commit rebuilds the index with Open.
func (e *Engine) Add(d Doc) error {
	batch := bluge.NewBatch()
	batch.Update(toBlugeDoc(d).ID(), toBlugeDoc(d))
	if err := e.writer.Batch(batch); err != nil {
		return fmt.Errorf("lex: add: %w", err)
	}
	e.corpus = append(e.corpus, d)
	return nil
}

// Remove deletes a frame from the live index and from the corpus.
func (e *Engine) Remove(frameID uint64) error {
	idBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(idBuf, frameID)

	batch := bluge.NewBatch()
	batch.Delete(bluge.NewDocument(string(idBuf)).ID())
	if err := e.writer.Batch(batch); err != nil {
		return fmt.Errorf("lex: remove: %w", err)
	}
	filtered := e.corpus[:0]
	for _, d := range e.corpus {
		if d.FrameID != frameID {
			filtered = append(filtered, d)
		}
	}
	e.corpus = filtered
	return nil
}

// Hit is one lexical search result.
type Hit struct {
	FrameID uint64
	URI     string
	Score   float64
}

// Search executes query against the live bluge reader, returning up to
// topK hits ordered by descending score.
func (e *Engine) Search(ctx context.Context, query string, topK int) ([]Hit, error) {
	reader, err := e.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("lex: reader: %w", err)
	}
	defer reader.Close()

	q := bluge.NewMatchQuery(query).SetField(fieldText)
	req := bluge.NewTopNSearch(topK, q).WithStandardAggregations()

	dmi, err := reader.Search(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("lex: search: %w", err)
	}

	var hits []Hit
	next, err := dmi.Next()
	for err == nil && next != nil {
		var h Hit
		h.Score = next.Score
		err = next.VisitStoredFields(func(field string, value []byte) bool {
			switch field {
			case fieldFrameID:
				if n, ok := bluge.DecodeNumericFloat64(value); ok {
					h.FrameID = uint64(n)
				}
			case fieldURI:
				h.URI = string(value)
			}
			return true
		})
		if err != nil {
			return nil, fmt.Errorf("lex: visit stored fields: %w", err)
		}
		hits = append(hits, h)
		next, err = dmi.Next()
	}
	if err != nil {
		return nil, fmt.Errorf("lex: iterate matches: %w", err)
	}
	return hits, nil
}

// Corpus returns the documents currently indexed, for persistence.
func (e *Engine) Corpus() []Doc {
	return append([]Doc(nil), e.corpus...)
}

// Close releases the underlying bluge writer.
func (e *Engine) Close() error {
	return e.writer.Close()
}

// --- Corpus segment encoding (what actually gets embedded in the payload region) ---

// EncodeCorpus serializes docs to an embeddable segment: a count prefix,
// each doc as (frame_id u64 | uri_len u32 | uri | text_len u32 | text), and
// a trailing BLAKE3 checksum.
func EncodeCorpus(docs []Doc) []byte {
	var body []byte
	countBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(countBuf, uint64(len(docs)))
	body = append(body, countBuf...)

	for _, d := range docs {
		idBuf := make([]byte, 8)
		binary.LittleEndian.PutUint64(idBuf, d.FrameID)
		body = append(body, idBuf...)

		uriLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(uriLen, uint32(len(d.URI)))
		body = append(body, uriLen...)
		body = append(body, d.URI...)

		textLen := make([]byte, 4)
		binary.LittleEndian.PutUint32(textLen, uint32(len(d.Text)))
		body = append(body, textLen...)
		body = append(body, d.Text...)
	}

	sum := blake3.Sum256(body)
	return append(body, sum[:]...)
}

// DecodeCorpus parses a corpus segment produced by EncodeCorpus, verifying
// its trailing checksum.
func DecodeCorpus(buf []byte) ([]Doc, error) {
	const checksumSize = 32
	if len(buf) < 8+checksumSize {
		return nil, fmt.Errorf("lex: buffer too short: %w", errs.ErrInvalidToc)
	}
	body := buf[:len(buf)-checksumSize]
	trailer := buf[len(buf)-checksumSize:]

	sum := blake3.Sum256(body)
	for i := range sum {
		if sum[i] != trailer[i] {
			return nil, fmt.Errorf("lex: checksum mismatch: %w", errs.ErrInvalidToc)
		}
	}

	pos := 0
	readU64 := func() (uint64, error) {
		if pos+8 > len(body) {
			return 0, fmt.Errorf("lex: truncated corpus: %w", errs.ErrInvalidToc)
		}
		v := binary.LittleEndian.Uint64(body[pos:])
		pos += 8
		return v, nil
	}
	readU32 := func() (uint32, error) {
		if pos+4 > len(body) {
			return 0, fmt.Errorf("lex: truncated corpus: %w", errs.ErrInvalidToc)
		}
		v := binary.LittleEndian.Uint32(body[pos:])
		pos += 4
		return v, nil
	}
	readStr := func(n uint32) (string, error) {
		if pos+int(n) > len(body) {
			return "", fmt.Errorf("lex: truncated corpus: %w", errs.ErrInvalidToc)
		}
		s := string(body[pos : pos+int(n)])
		pos += int(n)
		return s, nil
	}

	count, err := readU64()
	if err != nil {
		return nil, err
	}

	docs := make([]Doc, 0, count)
	for i := uint64(0); i < count; i++ {
		frameID, err := readU64()
		if err != nil {
			return nil, err
		}
		uriLen, err := readU32()
		if err != nil {
			return nil, err
		}
		uri, err := readStr(uriLen)
		if err != nil {
			return nil, err
		}
		textLen, err := readU32()
		if err != nil {
			return nil, err
		}
		text, err := readStr(textLen)
		if err != nil {
			return nil, err
		}
		docs = append(docs, Doc{FrameID: frameID, URI: uri, Text: text})
	}
	return docs, nil
}
