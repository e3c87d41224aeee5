// Package presence 维护用户与会话房间之间的双向索引。
//
// rooms 与 userRooms 互为镜像：用户出现在某房间的成员集合中，当且仅当该房间出现在用户的房间集合中。
// 两个映射只是为了双向查找，不是两份独立的数据源。
package presence

import (
	"sort"
	"sync"
)

type set map[uint]struct{}

// Registry 是可注入的房间注册表，零外部资源，所有操作都不阻塞。
type Registry struct {
	mu        sync.RWMutex
	rooms     map[uint]set // conversationID -> userIDs
	userRooms map[uint]set // userID -> conversationIDs
}

func NewRegistry() *Registry {
	return &Registry{rooms: make(map[uint]set), userRooms: make(map[uint]set)}
}

// Join 幂等地把用户加入房间，房间按需创建。
func (r *Registry) Join(userID, conversationID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	add(r.rooms, conversationID, userID)
	add(r.userRooms, userID, conversationID)
}

// Leave 幂等地把用户移出房间，房间变空时删除。
func (r *Registry) Leave(userID, conversationID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveLocked(userID, conversationID)
}

func (r *Registry) leaveLocked(userID, conversationID uint) {
	remove(r.rooms, conversationID, userID)
	remove(r.userRooms, userID, conversationID)
}

// MembersOf 返回房间成员快照，房间不存在时返回空切片。
func (r *Registry) MembersOf(conversationID uint) []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.rooms[conversationID])
}

// IsMember 判断用户是否在房间中。
func (r *Registry) IsMember(userID, conversationID uint) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[conversationID][userID]
	return ok
}

// RoomsOf 返回用户所在的全部房间。
func (r *Registry) RoomsOf(userID uint) []uint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sorted(r.userRooms[userID])
}

// OnDisconnect 把用户移出所有房间，返回受影响的会话 ID，供调用方广播 user_left 与在线列表。
func (r *Registry) OnDisconnect(userID uint) []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	affected := sorted(r.userRooms[userID])
	for _, cid := range affected {
		r.leaveLocked(userID, cid)
	}
	return affected
}

// RoomCount 返回当前非空房间数量。
func (r *Registry) RoomCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.rooms)
}

func add(m map[uint]set, key, val uint) {
	s, ok := m[key]
	if !ok {
		s = make(set)
		m[key] = s
	}
	s[val] = struct{}{}
}

func remove(m map[uint]set, key, val uint) {
	s, ok := m[key]
	if !ok {
		return
	}
	delete(s, val)
	if len(s) == 0 {
		delete(m, key)
	}
}

func sorted(s set) []uint {
	out := make([]uint, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
