package sandbox

import (
	"fmt"
	"io"
	"sort"
	"sync"
)

// BackgroundProcess is a detached command tracked by a local id that is
// distinct from its OS pid.
type BackgroundProcess struct {
	ID      int
	Command string
	// PID is the OS process id inside the sandbox, or 0 when it could not
	// be resolved.
	PID int

	output *OutputBuffer
	stream io.ReadCloser
	done   chan struct{}
	once   sync.Once
}

// Read returns output accumulated since the previous Read.
func (p *BackgroundProcess) Read() string {
	return p.output.Drain()
}

// Done is closed once the output stream has ended.
func (p *BackgroundProcess) Done() <-chan struct{} {
	return p.done
}

func (p *BackgroundProcess) close() error {
	var err error
	p.once.Do(func() {
		if p.stream != nil {
			err = p.stream.Close()
		}
	})
	return err
}

// Registry tracks the background commands of one sandbox. Ids start at 0,
// grow monotonically and are never reused.
type Registry struct {
	mu    sync.Mutex
	next  int
	procs map[int]*BackgroundProcess
	limit int
}

// NewRegistry creates an empty registry whose processes retain at most
// outputLimit unread bytes each.
func NewRegistry(outputLimit int) *Registry {
	return &Registry{procs: make(map[int]*BackgroundProcess), limit: outputLimit}
}

// Register allocates the next id for command and starts copying stream into
// the process's output buffer. stream may be nil.
func (r *Registry) Register(command string, pid int, stream io.ReadCloser) *BackgroundProcess {
	p := &BackgroundProcess{
		Command: command,
		PID:     pid,
		output:  NewOutputBuffer(r.limit),
		stream:  stream,
		done:    make(chan struct{}),
	}

	r.mu.Lock()
	p.ID = r.next
	r.next++
	r.procs[p.ID] = p
	r.mu.Unlock()

	if stream == nil {
		close(p.done)
		return p
	}
	go func() {
		defer close(p.done)
		_, _ = io.Copy(p.output, stream)
	}()
	return p
}

// Get returns the process registered under id.
func (r *Registry) Get(id int) (*BackgroundProcess, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.procs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBackgroundProcess, id)
	}
	return p, nil
}

// Remove forgets the process and closes its output stream.
func (r *Registry) Remove(id int) (*BackgroundProcess, error) {
	r.mu.Lock()
	p, ok := r.procs[id]
	if ok {
		delete(r.procs, id)
	}
	r.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownBackgroundProcess, id)
	}
	return p, p.close()
}

// List returns the live processes ordered by id.
func (r *Registry) List() []*BackgroundProcess {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*BackgroundProcess, 0, len(r.procs))
	for _, p := range r.procs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
