package seed

// ============================================================================
// 任務註冊表
// 職責：
// 1. id → Task 的統一存儲，作為狀態查詢的單一真實來源
// 2. 依狀態/圖層過濾的快速檢視
// 3. 清除已達終態的項目以限制記憶體（purge）
//
// 併發安全：
//   單一 RWMutex，讀多（狀態查詢）寫少（dispatch / purge / terminate）。
// ============================================================================

import (
	"sort"
	"sync"

	"github.com/GeoWebCache/geowebcache-sub001/pkg/types"
)

// registry 已提交任務的註冊表
type registry struct {
	mu    sync.RWMutex
	tasks map[types.TaskID]Task
}

func newRegistry() *registry {
	return &registry{tasks: make(map[types.TaskID]Task)}
}

// add 登記任務（dispatch 時）
func (r *registry) add(task Task) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[task.ID()] = task
}

// get 取得任務
func (r *registry) get(id types.TaskID) (Task, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	return t, ok
}

// remove 移除任務
//
// 返回值：
//   - Task: 被移除的任務
//   - bool: 任務是否存在
func (r *registry) remove(id types.TaskID) (Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	if ok {
		delete(r.tasks, id)
	}
	return t, ok
}

// list 依圖層過濾的任務快照，依 id 排序
//
// 參數：
//   - layerName: 空字串表示不過濾
func (r *registry) list(layerName string) []Task {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if layerName == "" || t.Layer() == layerName {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// byState 依狀態集合過濾的任務快照
func (r *registry) byState(states ...types.TaskState) []Task {
	want := make(map[types.TaskState]bool, len(states))
	for _, s := range states {
		want[s] = true
	}

	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if want[t.State()] {
			out = append(out, t)
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// purge 移除所有已達終態的任務
//
// 返回值：
//   - int: 被清除的任務數
func (r *registry) purge() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	purged := 0
	for id, t := range r.tasks {
		if t.State().Terminal() {
			delete(r.tasks, id)
			purged++
		}
	}
	return purged
}

// size 目前登記的任務數
func (r *registry) size() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.tasks)
}
