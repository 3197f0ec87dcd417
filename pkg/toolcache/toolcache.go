// Package toolcache downloads the third party tools some packagers
// need (linuxdeploy, AppRun, NSIS plugins) into a local directory, and
// keeps a small bbolt index of what was fetched from where so reruns
// don't hit the network.
package toolcache

import (
	"context"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-kit/kit/log/level"
	"github.com/kolide/bundler/pkg/backoff"
	"github.com/kolide/bundler/pkg/bundleerr"
	"github.com/kolide/bundler/pkg/contexts/ctxlog"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.etcd.io/bbolt"
)

const (
	indexFile   = "tools.db"
	toolsBucket = "tools"
	userAgent   = "kolide-bundler"
)

var ErrHashMismatch = errors.New("downloaded file hash does not match")

type HashAlgorithm string

const (
	SHA256 HashAlgorithm = "sha256"
	SHA1   HashAlgorithm = "sha1"
)

// Tool describes a file to fetch into the cache.
type Tool struct {
	Name       string // file name inside the cache dir
	URL        string
	Hash       string // hex digest; empty skips verification
	Algorithm  HashAlgorithm
	Executable bool
}

type indexEntry struct {
	URL     string    `json:"url"`
	SHA256  string    `json:"sha256"`
	Fetched time.Time `json:"fetched"`
}

type Cache struct {
	dir      string
	client   *http.Client
	getenv   func(string) string
	progress io.Writer
	retry    *backoff.Backoff
}

type Opt func(*Cache)

func WithHTTPClient(c *http.Client) Opt {
	return func(tc *Cache) {
		tc.client = c
	}
}

// WithRetry sets how failed requests are retried. By default a request
// is tried once. Client errors other than 429 are never retried.
func WithRetry(b *backoff.Backoff) Opt {
	return func(tc *Cache) {
		tc.retry = b
	}
}

// WithGetenv overrides environment lookups. Used for the mirror
// settings.
func WithGetenv(fn func(string) string) Opt {
	return func(tc *Cache) {
		tc.getenv = fn
	}
}

// WithProgressWriter sets where download progress is drawn. nil
// disables it.
func WithProgressWriter(w io.Writer) Opt {
	return func(tc *Cache) {
		tc.progress = w
	}
}

func New(dir string, opts ...Opt) *Cache {
	c := &Cache{
		dir:      dir,
		client:   http.DefaultClient,
		getenv:   os.Getenv,
		progress: os.Stderr,
		retry:    backoff.New(backoff.WithMaxAttempts(1)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) Dir() string { return c.dir }

// Path returns where a tool lives in the cache, whether or not it has
// been fetched.
func (c *Cache) Path(name string) string {
	return filepath.Join(c.dir, name)
}

// Fetch returns the local path of tool, downloading it when it isn't
// already cached.
func (c *Cache) Fetch(ctx context.Context, tool Tool) (string, error) {
	logger := ctxlog.FromContext(ctx)
	path := c.Path(tool.Name)

	if err := os.MkdirAll(c.dir, 0755); err != nil {
		return "", bundleerr.Fs("create tools dir", c.dir, err)
	}

	db, err := bbolt.Open(filepath.Join(c.dir, indexFile), 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return "", errors.Wrap(err, "opening tool cache index")
	}
	defer db.Close()

	if _, err := os.Stat(path); err == nil {
		entry, ok, err := lookup(db, tool.Name)
		if err != nil {
			return "", err
		}
		// Tools dropped into the dir by hand have no entry and are trusted.
		if !ok || entry.URL == tool.URL {
			level.Debug(logger).Log("msg", "using cached tool", "tool", tool.Name, "path", path)
			return path, nil
		}
		level.Info(logger).Log("msg", "cached tool is from a different url, refetching", "tool", tool.Name)
	}

	sum, err := c.download(ctx, tool, path)
	if err != nil {
		return "", err
	}

	if err := record(db, tool.Name, indexEntry{URL: tool.URL, SHA256: sum, Fetched: time.Now().UTC()}); err != nil {
		return "", err
	}

	return path, nil
}

// Download fetches url into memory, verifying it when hash is set.
func (c *Cache) Download(ctx context.Context, url, hash string, algo HashAlgorithm) ([]byte, error) {
	body, _, err := c.get(ctx, url)
	if err != nil {
		return nil, err
	}
	defer body.Close()

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %s", url)
	}

	if hash != "" {
		h := newHash(algo)
		h.Write(data)
		if err := verify(h, hash); err != nil {
			return nil, errors.Wrap(err, url)
		}
	}
	return data, nil
}

func (c *Cache) download(ctx context.Context, tool Tool, path string) (string, error) {
	logger := ctxlog.FromContext(ctx)

	body, size, err := c.get(ctx, tool.URL)
	if err != nil {
		return "", err
	}
	defer body.Close()

	tmp, err := os.CreateTemp(c.dir, tool.Name+".*.partial")
	if err != nil {
		return "", bundleerr.Fs("create temp file", c.dir, err)
	}
	defer os.Remove(tmp.Name())

	sha := sha256.New()
	verifier := newHash(tool.Algorithm)

	var bar io.Writer = io.Discard
	if c.progress != nil && size > 0 {
		bar = progressbar.NewOptions64(size,
			progressbar.OptionSetWriter(c.progress),
			progressbar.OptionSetDescription("downloading "+tool.Name),
			progressbar.OptionShowBytes(true),
			progressbar.OptionThrottle(100*time.Millisecond),
		)
	}

	if _, err := io.Copy(io.MultiWriter(tmp, sha, verifier, bar), body); err != nil {
		tmp.Close()
		return "", errors.Wrapf(err, "downloading %s", tool.URL)
	}
	if err := tmp.Close(); err != nil {
		return "", bundleerr.Fs("close", tmp.Name(), err)
	}

	if tool.Hash != "" {
		if err := verify(verifier, tool.Hash); err != nil {
			return "", errors.Wrap(err, tool.URL)
		}
	}

	mode := os.FileMode(0644)
	if tool.Executable {
		mode = 0755
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return "", bundleerr.Fs("chmod", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", bundleerr.Fs("rename", path, err)
	}

	level.Info(logger).Log("msg", "downloaded tool", "tool", tool.Name, "url", tool.URL)
	return hex.EncodeToString(sha.Sum(nil)), nil
}

func (c *Cache) get(ctx context.Context, url string) (io.ReadCloser, int64, error) {
	final := MirrorURL(url, c.getenv)

	level.Info(ctxlog.FromContext(ctx)).Log("msg", "downloading", "url", final)

	var resp *http.Response
	err := c.retry.Run(ctx, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, final, nil)
		if err != nil {
			return backoff.Permanent(errors.Wrapf(err, "creating request for %s", final))
		}
		req.Header.Set("User-Agent", userAgent)

		r, err := c.client.Do(req)
		if err != nil {
			return errors.Wrapf(err, "fetching %s", final)
		}
		if r.StatusCode == http.StatusOK {
			resp = r
			return nil
		}

		r.Body.Close()
		err = errors.Errorf("fetching %s: bad status %s", final, r.Status)
		if r.StatusCode >= 500 || r.StatusCode == http.StatusTooManyRequests {
			level.Debug(ctxlog.FromContext(ctx)).Log("msg", "retrying download", "url", final, "status", r.StatusCode)
			return err
		}
		return backoff.Permanent(err)
	})
	if err != nil {
		return nil, 0, err
	}
	return resp.Body, resp.ContentLength, nil
}

func newHash(algo HashAlgorithm) hash.Hash {
	if algo == SHA1 {
		return sha1.New()
	}
	return sha256.New()
}

func verify(h hash.Hash, expected string) error {
	got := hex.EncodeToString(h.Sum(nil))
	if !strings.EqualFold(got, expected) {
		return errors.Wrapf(ErrHashMismatch, "expected %s, got %s", expected, got)
	}
	return nil
}

func lookup(db *bbolt.DB, name string) (indexEntry, bool, error) {
	var entry indexEntry
	var found bool
	err := db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket([]byte(toolsBucket))
		if b == nil {
			return nil
		}
		raw := b.Get([]byte(name))
		if raw == nil {
			return nil
		}
		found = true
		return json.Unmarshal(raw, &entry)
	})
	if err != nil {
		return entry, false, errors.Wrapf(err, "reading tool index for %s", name)
	}
	return entry, found, nil
}

func record(db *bbolt.DB, name string, entry indexEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "marshalling tool index entry")
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists([]byte(toolsBucket))
		if err != nil {
			return err
		}
		return b.Put([]byte(name), raw)
	})
	return errors.Wrapf(err, "recording %s in tool index", name)
}
