package connection

import "sync"

// registry 保存观察者，add 返回注销函数
type registry[T any] struct {
	mu   sync.Mutex
	next int
	fns  map[int]T
}

func (r *registry[T]) add(fn T) func() {
	r.mu.Lock()
	if r.fns == nil {
		r.fns = make(map[int]T)
	}
	id := r.next
	r.next++
	r.fns[id] = fn
	r.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.fns, id)
			r.mu.Unlock()
		})
	}
}

// snapshot 按注册顺序返回当前观察者
func (r *registry[T]) snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]T, 0, len(r.fns))
	for id := 0; id < r.next; id++ {
		if fn, ok := r.fns[id]; ok {
			out = append(out, fn)
		}
	}
	return out
}
