// Package transfertest provides an in-process S3-like multipart provider for tests.
package transfertest

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/moyoez/courseupload/types"
)

// Provider implements every external operation the engine needs and serves part PUTs
// from an httptest.Server.
type Provider struct {
	Server *httptest.Server

	// PutDelay slows every part PUT down so concurrency can be observed.
	PutDelay time.Duration
	// BeforePut runs before a PUT is handled.
	BeforePut func(partNumber int)

	mu             sync.Mutex
	nextID         int
	uploads        map[string]*upload
	objects        map[string][]byte
	failPuts       map[int]int
	alwaysFail     map[int]bool
	omitETag       map[int]int
	failComplete   int
	completeErr    error
	puts           map[int]int
	completions    [][]types.CompletedPart
	registrations  []types.AssetRegistration
	registerErr    error
	aborted        []string
	inits          []InitCall
	partURLCalls   int
	expireOnPartNo int

	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

// InitCall records an InitMultipart call.
type InitCall struct {
	ObjectKey   string
	ContentType string
	Metadata    map[string]string
}

type upload struct {
	key   string
	parts map[int][]byte
}

// NewProvider starts the server; it is closed with t.Cleanup by the caller via Close.
func NewProvider() *Provider {
	p := &Provider{
		uploads:    make(map[string]*upload),
		objects:    make(map[string][]byte),
		failPuts:   make(map[int]int),
		alwaysFail: make(map[int]bool),
		omitETag:   make(map[int]int),
		puts:       make(map[int]int),
	}
	p.Server = httptest.NewServer(http.HandlerFunc(p.handlePut))
	return p
}

func (p *Provider) Close() { p.Server.Close() }

// FailPartTimes makes the next n PUTs of partNumber answer 500.
func (p *Provider) FailPartTimes(partNumber, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failPuts[partNumber] = n
}

// FailPartAlways makes every PUT of partNumber answer 500.
func (p *Provider) FailPartAlways(partNumber int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alwaysFail[partNumber] = true
}

// OmitETagTimes drops the ETag header from the next n successful PUTs of partNumber.
func (p *Provider) OmitETagTimes(partNumber, n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.omitETag[partNumber] = n
}

// ExpireUploadAt forgets the multipart upload when partNumber is PUT.
func (p *Provider) ExpireUploadAt(partNumber int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.expireOnPartNo = partNumber
}

// FailCompleteTimes makes the next n completion calls fail.
func (p *Provider) FailCompleteTimes(n int, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failComplete = n
	p.completeErr = err
}

func (p *Provider) FailRegistration(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registerErr = err
}

func (p *Provider) InitMultipart(_ context.Context, objectKey, contentType string, metadata map[string]string) (*types.MultipartInit, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextID++
	id := "mp-" + strconv.Itoa(p.nextID)
	p.uploads[id] = &upload{key: objectKey, parts: make(map[int][]byte)}
	meta := make(map[string]string, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}
	p.inits = append(p.inits, InitCall{ObjectKey: objectKey, ContentType: contentType, Metadata: meta})
	return &types.MultipartInit{MultipartHandle: id, ObjectKey: objectKey}, nil
}

func (p *Provider) PartUploadURL(_ context.Context, objectKey, handle string, partNumber int) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.partURLCalls++
	return fmt.Sprintf("%s/parts/%s/%d?X-Amz-Signature=test", p.Server.URL, handle, partNumber), nil
}

func (p *Provider) handlePut(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut || !strings.HasPrefix(r.URL.Path, "/parts/") {
		http.NotFound(w, r)
		return
	}
	fields := strings.Split(strings.TrimPrefix(r.URL.Path, "/parts/"), "/")
	if len(fields) != 2 {
		http.Error(w, "bad path", http.StatusBadRequest)
		return
	}
	handle := fields[0]
	partNumber, err := strconv.Atoi(fields[1])
	if err != nil {
		http.Error(w, "bad part number", http.StatusBadRequest)
		return
	}

	cur := p.inFlight.Add(1)
	defer p.inFlight.Add(-1)
	for {
		prev := p.maxInFlight.Load()
		if cur <= prev || p.maxInFlight.CompareAndSwap(prev, cur) {
			break
		}
	}
	if p.BeforePut != nil {
		p.BeforePut(partNumber)
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if p.PutDelay > 0 {
		time.Sleep(p.PutDelay)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.puts[partNumber]++
	if p.expireOnPartNo == partNumber {
		delete(p.uploads, handle)
	}
	up, ok := p.uploads[handle]
	if !ok {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusNotFound)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchUpload</Code><Message>The specified upload does not exist.</Message></Error>`)
		return
	}
	if p.alwaysFail[partNumber] {
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	if n := p.failPuts[partNumber]; n > 0 {
		p.failPuts[partNumber] = n - 1
		http.Error(w, "injected failure", http.StatusInternalServerError)
		return
	}
	up.parts[partNumber] = body
	if n := p.omitETag[partNumber]; n > 0 {
		p.omitETag[partNumber] = n - 1
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("ETag", `"`+etagOf(body)+`"`)
	w.WriteHeader(http.StatusOK)
}

func etagOf(b []byte) string {
	sum := md5.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (p *Provider) CompleteMultipart(_ context.Context, objectKey, handle string, parts []types.CompletedPart) (*types.CompletionResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	recorded := make([]types.CompletedPart, len(parts))
	copy(recorded, parts)
	p.completions = append(p.completions, recorded)
	if p.failComplete > 0 {
		p.failComplete--
		return nil, p.completeErr
	}
	up, ok := p.uploads[handle]
	if !ok {
		return nil, fmt.Errorf("no such upload %s", handle)
	}
	var object []byte
	for i, part := range parts {
		if part.PartNumber != i+1 {
			return nil, fmt.Errorf("invalid part order: position %d has part %d", i, part.PartNumber)
		}
		data, ok := up.parts[part.PartNumber]
		if !ok || etagOf(data) != part.ETag {
			return nil, fmt.Errorf("invalid part %d", part.PartNumber)
		}
		object = append(object, data...)
	}
	p.objects[objectKey] = object
	delete(p.uploads, handle)
	return &types.CompletionResult{
		Location: p.Server.URL + "/objects/" + objectKey,
		ETag:     etagOf(object) + "-" + strconv.Itoa(len(parts)),
	}, nil
}

func (p *Provider) AbortMultipart(_ context.Context, objectKey, handle string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.uploads, handle)
	p.aborted = append(p.aborted, handle)
	return nil
}

func (p *Provider) RegisterAsset(_ context.Context, reg types.AssetRegistration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.registerErr != nil {
		err := p.registerErr
		p.registerErr = nil
		return err
	}
	p.registrations = append(p.registrations, reg)
	return nil
}

// Object returns the assembled object stored under key.
func (p *Provider) Object(key string) ([]byte, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.objects[key]
	return b, ok
}

// Puts returns how many PUTs each part number received.
func (p *Provider) Puts() map[int]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[int]int, len(p.puts))
	for k, v := range p.puts {
		out[k] = v
	}
	return out
}

// PutPartNumbers lists the part numbers that received at least one PUT, ascending.
func (p *Provider) PutPartNumbers() []int {
	puts := p.Puts()
	out := make([]int, 0, len(puts))
	for k := range puts {
		out = append(out, k)
	}
	sort.Ints(out)
	return out
}

func (p *Provider) Completions() [][]types.CompletedPart {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]types.CompletedPart(nil), p.completions...)
}

func (p *Provider) Registrations() []types.AssetRegistration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.AssetRegistration(nil), p.registrations...)
}

func (p *Provider) Inits() []InitCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]InitCall(nil), p.inits...)
}

func (p *Provider) Aborted() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.aborted...)
}

// MaxConcurrentPuts is the highest number of PUTs the server handled at once.
func (p *Provider) MaxConcurrentPuts() int {
	return int(p.maxInFlight.Load())
}
