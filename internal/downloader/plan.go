package downloader

import (
	"context"
	"fmt"
	"net/url"
	"path"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ligustah/fecget/internal/http"
	"github.com/ligustah/fecget/pkg/erasure"
	"github.com/ligustah/fecget/pkg/sharded"
)

// chunkTask is one fetchable unit: a shard of an erasure stripe or a byte
// range of a plain file. While in flight it is owned by a single worker;
// otherwise only the dispatcher touches it.
type chunkTask struct {
	key    int // stripe*n + index
	stripe int
	index  int
	rng    *http.ByteRange // nil fetches the whole object

	size    int64  // expected response length
	dataLen int64  // file bytes in a data shard; the rest is zero padding
	block   int    // plaintext block index, -1 for parity
	digest  string // expected plaintext digest, empty when unknown

	urls   []string // ranked candidates
	cursor int      // candidate used by the next attempt
	moves  int      // reassignments so far
}

func (t *chunkTask) url() string {
	return t.urls[t.cursor]
}

// plan is the layout of one transfer. A plain file is a sequence of
// single-chunk stripes with k = n = 1.
type plan struct {
	manifest  *sharded.Manifest // nil for plain files
	codec     *erasure.Codec
	totalSize int64
	chunkSize int64
	k, n      int
	stripes   [][]*chunkTask
	needed    int64 // bytes fetched when no chunk is lost
}

func (p *plan) erasure() bool {
	return p.manifest != nil
}

func (p *plan) locations() map[int][]string {
	out := make(map[int][]string)
	for _, stripe := range p.stripes {
		for _, t := range stripe {
			out[t.key] = t.urls
		}
	}
	return out
}

// buildPlan loads the layout of req.Source and ranks the candidate URLs of
// every chunk.
func (o *Orchestrator) buildPlan(ctx context.Context, req Request, log logrus.FieldLogger) (*plan, error) {
	var (
		p   *plan
		err error
	)
	if sharded.IsManifestURL(req.Source) {
		p, err = o.planShards(ctx, req)
	} else {
		p, err = o.planPlain(ctx, req, log)
	}
	if err != nil {
		return nil, err
	}

	locations := p.locations()
	if len(locations) == 0 {
		return p, nil
	}
	ranked := o.ranker.SelectOptimal(ctx, locations)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fallback := 0
	for _, stripe := range p.stripes {
		for _, t := range stripe {
			if urls := ranked[t.key]; len(urls) > 0 {
				t.urls = urls
			} else {
				fallback++
			}
		}
	}
	if fallback > 0 {
		log.WithField("chunks", fallback).Warn("No reliable location ranked, using listed order")
	}
	return p, nil
}

func (o *Orchestrator) planShards(ctx context.Context, req Request) (*plan, error) {
	data, err := o.client.Get(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("fetch manifest: %w", err)
	}
	m, err := sharded.ParseManifest(data)
	if err != nil {
		return nil, err
	}
	codec, err := m.Codec()
	if err != nil {
		return nil, err
	}
	base, err := sharded.BaseURL(req.Source)
	if err != nil {
		return nil, err
	}
	bases := dedupe(append(append([]string{base}, m.Mirrors...), req.Mirrors...))

	n := m.TotalShards()
	p := &plan{
		manifest:  m,
		codec:     codec,
		totalSize: m.TotalSize,
		chunkSize: m.BlockSize,
		k:         m.DataShards,
		n:         n,
		stripes:   make([][]*chunkTask, m.StripeCount()),
	}
	for s := range p.stripes {
		p.stripes[s] = make([]*chunkTask, n)
		for i := 0; i < n; i++ {
			size := m.Stripes[s].Shards[i].Size
			if size <= 0 {
				size = m.BlockSize
			}
			t := &chunkTask{
				key:     s*n + i,
				stripe:  s,
				index:   i,
				size:    size,
				dataLen: m.DataLen(s, i),
				block:   m.Block(s, i),
			}
			t.digest, _ = m.Digest(s, i)
			for _, b := range bases {
				t.urls = append(t.urls, m.ShardURL(b, s, i))
			}
			p.stripes[s][i] = t
		}
	}
	p.needed = int64(len(p.stripes)) * int64(p.k) * m.BlockSize
	return p, nil
}

func (o *Orchestrator) planPlain(ctx context.Context, req Request, log logrus.FieldLogger) (*plan, error) {
	info, err := o.client.Head(ctx, req.Source)
	if err != nil {
		return nil, fmt.Errorf("get file info: %w", err)
	}
	if info.Size <= 0 {
		return nil, ErrUnknownSize
	}

	chunkSize := int64(o.cfg.Download.ChunkSize)
	if !info.AcceptsRanges && chunkSize < info.Size {
		log.Warn("Source does not advertise range support, fetching as a single chunk")
		chunkSize = info.Size
	}

	urls := dedupe(append([]string{req.Source}, req.Mirrors...))
	count := int((info.Size + chunkSize - 1) / chunkSize)
	p := &plan{
		totalSize: info.Size,
		chunkSize: chunkSize,
		k:         1,
		n:         1,
		stripes:   make([][]*chunkTask, count),
		needed:    info.Size,
	}
	for c := range p.stripes {
		start := int64(c) * chunkSize
		end := start + chunkSize - 1
		if end >= info.Size {
			end = info.Size - 1
		}
		t := &chunkTask{
			key:    c,
			stripe: c,
			block:  c,
			urls:   append([]string(nil), urls...),
		}
		if count > 1 {
			t.rng = &http.ByteRange{Start: start, End: end}
		}
		t.size = end - start + 1
		t.dataLen = t.size
		p.stripes[c] = []*chunkTask{t}
	}
	return p, nil
}

// destination resolves the output path of req.
func (o *Orchestrator) destination(req Request) string {
	if req.Destination != "" {
		return req.Destination
	}
	return filepath.Join(o.cfg.Storage.DownloadPath, sourceName(req.Source))
}

// sourceName returns the file name a source URL refers to.
func sourceName(rawURL string) string {
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		p = u.Path
	}
	name := strings.TrimSuffix(path.Base(p), sharded.ManifestSuffix)
	if name == "" || name == "." || name == "/" {
		return "download"
	}
	return name
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
