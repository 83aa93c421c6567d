package runtime

import (
	"fmt"
	"sync"
)

type threadResult struct {
	value any
	err   error
	done  chan struct{}
}

// ThreadHelper is the task-scoped worker pool behind the THREAD
// capability. It is owned by the function task and shut down at task
// cleanup, so no submissions leak across tasks.
type ThreadHelper struct {
	mu       sync.Mutex
	poolSize int
	sem      chan struct{}
	results  map[string]*threadResult
	order    []string
	wg       sync.WaitGroup
	closed   bool
}

func NewThreadHelper(defaultPoolSize int) *ThreadHelper {
	if defaultPoolSize <= 0 {
		defaultPoolSize = 3
	}
	return &ThreadHelper{
		poolSize: defaultPoolSize,
		results:  map[string]*threadResult{},
	}
}

// SetPoolSize adjusts the pool size; only effective before the pool is
// created by the first submit.
func (h *ThreadHelper) SetPoolSize(size int) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.sem != nil {
		return fmt.Errorf("thread pool already created, pool size can not be changed")
	}
	if size <= 0 {
		return fmt.Errorf("pool size should be a positive integer")
	}
	h.poolSize = size
	return nil
}

// PoolSize returns the configured size.
func (h *ThreadHelper) PoolSize() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.poolSize
}

// Submit schedules fn under a distinct key. The pool is created lazily
// on first submit.
func (h *ThreadHelper) Submit(key string, fn func() (any, error)) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return fmt.Errorf("thread pool already shut down")
	}
	if h.sem == nil {
		h.sem = make(chan struct{}, h.poolSize)
	}
	if key == "" {
		key = fmt.Sprintf("thread-%d", len(h.order))
	}
	if _, dup := h.results[key]; dup {
		h.mu.Unlock()
		return fmt.Errorf("%w: `%s`", ErrDuplicatedThreadKey, key)
	}

	res := &threadResult{done: make(chan struct{})}
	h.results[key] = res
	h.order = append(h.order, key)
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		h.sem <- struct{}{}
		defer func() { <-h.sem }()

		defer func() {
			if r := recover(); r != nil {
				res.err = fmt.Errorf("panic in thread: %v", r)
			}
			close(res.done)
		}()

		res.value, res.err = fn()
	}()

	return nil
}

// GetResult returns the result for key, blocking when wait is set.
func (h *ThreadHelper) GetResult(key string, wait bool) (any, error) {
	h.mu.Lock()
	res, ok := h.results[key]
	h.mu.Unlock()

	if !ok {
		return nil, fmt.Errorf("no thread submitted under key `%s`", key)
	}

	if wait {
		<-res.done
	} else {
		select {
		case <-res.done:
		default:
			return nil, nil
		}
	}
	return res.value, res.err
}

// GetAllResults returns key -> value for all submissions, blocking for
// completion when wait is set. Failed threads surface their error as
// the value.
func (h *ThreadHelper) GetAllResults(wait bool) map[string]any {
	h.mu.Lock()
	keys := append([]string(nil), h.order...)
	h.mu.Unlock()

	out := map[string]any{}
	for _, key := range keys {
		value, err := h.GetResult(key, wait)
		if err != nil {
			out[key] = err.Error()
			continue
		}
		out[key] = value
	}
	return out
}

// PopResult removes and returns the first finished submission,
// blocking for one to finish when wait is set. Returns ok=false when
// nothing is available.
func (h *ThreadHelper) PopResult(wait bool) (key string, value any, err error, ok bool) {
	for {
		h.mu.Lock()
		var finished string
		for _, k := range h.order {
			select {
			case <-h.results[k].done:
				finished = k
			default:
			}
			if finished != "" {
				break
			}
		}
		if finished != "" {
			res := h.results[finished]
			delete(h.results, finished)
			for i, k := range h.order {
				if k == finished {
					h.order = append(h.order[:i], h.order[i+1:]...)
					break
				}
			}
			h.mu.Unlock()
			return finished, res.value, res.err, true
		}
		pending := len(h.order) > 0
		h.mu.Unlock()

		if !pending || !wait {
			return "", nil, nil, false
		}
		h.waitAny()
	}
}

func (h *ThreadHelper) waitAny() {
	h.mu.Lock()
	var chans []chan struct{}
	for _, k := range h.order {
		chans = append(chans, h.results[k].done)
	}
	h.mu.Unlock()

	if len(chans) == 0 {
		return
	}

	agg := make(chan struct{}, len(chans))
	for _, ch := range chans {
		go func(c chan struct{}) {
			<-c
			agg <- struct{}{}
		}(ch)
	}
	<-agg
}

// WaitAllFinished blocks until every submission completes.
func (h *ThreadHelper) WaitAllFinished() {
	h.wg.Wait()
}

// IsAllFinished reports whether every submission has completed.
func (h *ThreadHelper) IsAllFinished() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, k := range h.order {
		select {
		case <-h.results[k].done:
		default:
			return false
		}
	}
	return true
}

// Shutdown waits for in-flight threads and clears the result map.
// Called at task cleanup.
func (h *ThreadHelper) Shutdown() {
	h.wg.Wait()

	h.mu.Lock()
	h.closed = true
	h.results = map[string]*threadResult{}
	h.order = nil
	h.mu.Unlock()
}
