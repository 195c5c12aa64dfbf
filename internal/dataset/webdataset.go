package dataset

import (
	"archive/tar"
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Sample is a paired image/label record from a WebDataset shard. For the
// attribute dataset the label is the category; for the in-shop dataset it
// is the item id.
type Sample struct {
	Key   string
	Image []byte
	Label int
}

// ReadShard reads every paired sample from the shard at path, in key order.
// Records missing either the image or the label are an error.
func ReadShard(ctx context.Context, path string) ([]Sample, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open shard: %w", err)
	}
	defer f.Close()

	tr := tar.NewReader(bufio.NewReader(f))
	pending := make(map[string]*partial)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read tar %s: %w", path, err)
		}
		if hdr.FileInfo().IsDir() {
			continue
		}
		name := filepath.Base(hdr.Name)
		ext := strings.ToLower(filepath.Ext(name))
		key := strings.TrimSuffix(name, filepath.Ext(name))

		switch ext {
		case ".jpg", ".jpeg", ".png":
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read image %s: %w", name, err)
			}
			pendingFor(pending, key).image = data
		case ".cls":
			payload, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("read label %s: %w", name, err)
			}
			label, err := strconv.Atoi(strings.TrimSpace(string(payload)))
			if err != nil {
				return nil, fmt.Errorf("parse label %s: %w", name, err)
			}
			pendingFor(pending, key).label = &label
		default:
			// ignore unknown extension
		}
	}

	keys := make([]string, 0, len(pending))
	for key, part := range pending {
		if !part.ready() {
			return nil, fmt.Errorf("shard %s: sample %s incomplete", path, key)
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)
	samples := make([]Sample, 0, len(keys))
	for _, key := range keys {
		part := pending[key]
		samples = append(samples, Sample{Key: key, Image: part.image, Label: *part.label})
	}
	return samples, nil
}

func pendingFor(pending map[string]*partial, key string) *partial {
	part := pending[key]
	if part == nil {
		part = &partial{}
		pending[key] = part
	}
	return part
}

type partial struct {
	image []byte
	label *int
}

func (p *partial) ready() bool {
	return len(p.image) > 0 && p.label != nil
}
