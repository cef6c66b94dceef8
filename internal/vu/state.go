package vu

import "sync"

// State is per-VU scratch storage. It survives across the VU's iterations
// and is cleared when the VU retires.
type State struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewState creates an empty state.
func NewState() *State {
	return &State{values: make(map[string]any)}
}

// Set 保存任意值
func (s *State) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
}

// Get 读取任意值
func (s *State) Get(key string) (any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok
}

// Delete 删除一个键
func (s *State) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
}

// SetString 保存字符串
func (s *State) SetString(key, value string) {
	s.Set(key, value)
}

// String returns the string at key, or "" when absent or of another type.
func (s *State) String(key string) string {
	v, ok := s.Get(key)
	if !ok {
		return ""
	}
	str, _ := v.(string)
	return str
}

// AppendID appends an ID to the list stored at key.
func (s *State) AppendID(key, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids, _ := s.values[key].([]string)
	s.values[key] = append(ids, id)
}

// IDs returns a copy of the ID list at key.
func (s *State) IDs(key string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids, _ := s.values[key].([]string)
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// SetIDs 覆盖 ID 列表
func (s *State) SetIDs(key string, ids []string) {
	cp := make([]string, len(ids))
	copy(cp, ids)
	s.Set(key, cp)
}

// Len returns the number of stored keys.
func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}

// Clear 清空所有数据
func (s *State) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values = make(map[string]any)
}
