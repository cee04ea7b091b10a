package glossary

import (
	"context"
	"fmt"
	"strings"

	"github.com/blugelabs/bluge"
)

// fuzzyIndex is an in-memory Bluge index over the glossary vocabulary,
// used to turn near-miss spellings ("cemant") back into known words.
type fuzzyIndex struct {
	writer *bluge.Writer
	reader *bluge.Reader
	vocab  map[string]struct{}
}

func newFuzzyIndex(words []string) (*fuzzyIndex, error) {
	writer, err := bluge.OpenWriter(bluge.InMemoryOnlyConfig())
	if err != nil {
		return nil, fmt.Errorf("open in-memory index failed: %w", err)
	}

	batch := bluge.NewBatch()
	vocab := make(map[string]struct{}, len(words))
	for _, word := range words {
		vocab[word] = struct{}{}
		doc := bluge.NewDocument(word)
		doc.AddField(bluge.NewTextField("word", word).StoreValue())
		batch.Update(doc.ID(), doc)
	}
	if err := writer.Batch(batch); err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("index vocabulary failed: %w", err)
	}

	reader, err := writer.Reader()
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open index reader failed: %w", err)
	}
	return &fuzzyIndex{writer: writer, reader: reader, vocab: vocab}, nil
}

func (f *fuzzyIndex) close() error {
	if err := f.reader.Close(); err != nil {
		return err
	}
	return f.writer.Close()
}

// correct maps a single word onto the closest vocabulary word within
// edit distance 2, or returns it unchanged.
func (f *fuzzyIndex) correct(ctx context.Context, word string) (string, error) {
	if _, ok := f.vocab[word]; ok {
		return word, nil
	}
	if len(word) < 4 {
		// Short words produce too many accidental matches.
		return word, nil
	}

	query := bluge.NewFuzzyQuery(word).SetField("word").SetFuzziness(2)
	it, err := f.reader.Search(ctx, bluge.NewTopNSearch(1, query))
	if err != nil {
		return "", fmt.Errorf("fuzzy search failed: %w", err)
	}

	match, err := it.Next()
	if err != nil {
		return "", fmt.Errorf("read fuzzy match failed: %w", err)
	}
	if match == nil {
		return word, nil
	}

	corrected := word
	err = match.VisitStoredFields(func(field string, value []byte) bool {
		if field == "word" {
			corrected = string(value)
		}
		return true
	})
	if err != nil {
		return "", fmt.Errorf("read stored field failed: %w", err)
	}
	return corrected, nil
}

// Suggest spell-corrects the text word by word against the glossary
// vocabulary. It returns the corrected text and whether anything
// changed, so the caller can show a "did you mean" hint.
func (b *Book) Suggest(ctx context.Context, text string) (string, bool, error) {
	words := strings.Fields(normalize(text))
	changed := false
	for i, word := range words {
		corrected, err := b.fuzzy.correct(ctx, word)
		if err != nil {
			return "", false, err
		}
		if corrected != word {
			words[i] = corrected
			changed = true
		}
	}
	if !changed {
		return text, false, nil
	}
	return strings.Join(words, " "), true, nil
}
