package analysis

import (
	"sync"
)

// Change：事件涉及的字段
type Change string

const (
	ChangeState           Change = "state"
	ChangeSnapshot        Change = "snapshot"
	ChangeTimeSeries      Change = "time_series"
	ChangeRecommendations Change = "recommendations"
	ChangeBanner          Change = "banner"
)

// Event：结果存储变更通知
type Event struct {
	Generation uint64       `json:"generation"`
	State      SessionState `json:"state"`
	Change     Change       `json:"change"`
}

// 文档注释：结果存储
// 背景：展示层唯一读取的对象；写方法均未导出，只有编排器在代次校验之后调用。
// 约束：读方法返回副本；订阅回调在写锁之外同步调用，不得阻塞。
type Store struct {
	mu     sync.RWMutex
	gen    uint64
	state  SessionState
	snap   *Snapshot
	series TimeSeries
	banner *Banner

	subMu  sync.Mutex
	subs   map[int]func(Event)
	nextID int
}

func NewStore() *Store {
	return &Store{series: TimeSeries{Status: Pending}, subs: map[int]func(Event){}}
}

// Snapshot：当前快照副本；尚无结果时为 nil
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snap.clone()
}

func (s *Store) TimeSeries() TimeSeries {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return TimeSeries{Points: append([]TimeSeriesPoint(nil), s.series.Points...), Status: s.series.Status}
}

func (s *Store) SessionState() SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Generation：当前数据所属代次
func (s *Store) Generation() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gen
}

// Banner：当前错误提示副本；无提示时为 nil
func (s *Store) Banner() *Banner {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.banner == nil {
		return nil
	}
	b := *s.banner
	return &b
}

// Subscribe：注册变更回调，返回取消函数
func (s *Store) Subscribe(fn func(Event)) (cancel func()) {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

func (s *Store) publish(evs ...Event) {
	if len(evs) == 0 {
		return
	}
	s.subMu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, ev := range evs {
		for _, fn := range fns {
			fn(ev)
		}
	}
}

func (s *Store) event(c Change) Event {
	return Event{Generation: s.gen, State: s.state, Change: c}
}

// reset：进入新代次，清空全部结果并切换状态
func (s *Store) reset(gen uint64, state SessionState) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen = gen
	s.state = state
	s.snap = nil
	s.series = TimeSeries{Status: Pending}
	s.banner = nil
	return s.event(ChangeState)
}

func (s *Store) setSnapshot(snap *Snapshot) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = snap
	return s.event(ChangeSnapshot)
}

func (s *Store) setSeries(ts TimeSeries) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.series = ts
	return s.event(ChangeTimeSeries)
}

func (s *Store) setRecommendations(recs []string, st FieldStatus) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.snap != nil {
		if recs != nil {
			s.snap.Recommendations = recs
		}
		s.snap.RecommendationsStatus = st
	}
	return s.event(ChangeRecommendations)
}

func (s *Store) setState(state SessionState) Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
	return s.event(ChangeState)
}

// fail：主调用失败，快照保持为空，时间序列置为不可用
func (s *Store) fail(b *Banner) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Failed
	s.snap = nil
	s.series = TimeSeries{Status: Unavailable}
	s.banner = b
	return []Event{s.event(ChangeBanner), s.event(ChangeState)}
}

func (s *Store) clearBanner() (Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.banner == nil {
		return Event{}, false
	}
	s.banner = nil
	return s.event(ChangeBanner), true
}
