package daemon

import (
	"encoding/json"
	"sync"
	"time"
)

// statsWindow is the number of iterations the per-loop averages cover.
const statsWindow = 20

// Statistics is a point-in-time copy of the daemon counters.
type Statistics struct {
	StartTime time.Time `json:"start_time"`
	StartUser string    `json:"start_user"`
	Uptime    string    `json:"uptime"`

	Iterations        uint64 `json:"iterations"`
	MessagesReceived  uint64 `json:"messages_received"`
	RequestsProcessed uint64 `json:"requests_processed"`
	ActionsExecuted   uint64 `json:"actions_executed"`
	TasksAwaited      uint64 `json:"tasks_awaited"`
	ProcessesAttached uint64 `json:"processes_attached"`
	OverworkedLoops   uint64 `json:"overworked_loops"`
	FailedOperations  uint64 `json:"failed_operations"`

	HighestTaskCount int `json:"highest_task_count"`
	WatchedProcesses int `json:"watched_processes"`
	RegisteredTasks  int `json:"registered_tasks"`
	BufferedResults  int `json:"buffered_results"`

	AverageMessagesPerLoop float64 `json:"average_messages_per_loop"`
	AverageActionsPerLoop  float64 `json:"average_actions_per_loop"`
	AverageTasksPerLoop    float64 `json:"average_tasks_per_loop"`
}

// JSON renders the statistics, indented unless compact.
func (s Statistics) JSON(compact bool) string {
	var (
		data []byte
		err  error
	)
	if compact {
		data, err = json.Marshal(s)
	} else {
		data, err = json.MarshalIndent(s, "", "  ")
	}
	if err != nil {
		return "{}"
	}
	return string(data)
}

// rollingAverage is the mean of the last statsWindow samples.
type rollingAverage struct {
	samples [statsWindow]float64
	next    int
	filled  int
}

func (r *rollingAverage) add(v float64) {
	r.samples[r.next] = v
	r.next = (r.next + 1) % statsWindow
	if r.filled < statsWindow {
		r.filled++
	}
}

func (r *rollingAverage) mean() float64 {
	if r.filled == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < r.filled; i++ {
		sum += r.samples[i]
	}
	return sum / float64(r.filled)
}

// stats accumulates counters. The loop is the only writer of per-iteration
// fields; requests and failures may be counted from launched operations.
type stats struct {
	mu sync.Mutex

	startTime time.Time
	startUser string

	iterations        uint64
	messagesReceived  uint64
	requestsProcessed uint64
	actionsExecuted   uint64
	tasksAwaited      uint64
	processesAttached uint64
	overworkedLoops   uint64
	failedOperations  uint64
	highestTaskCount  int

	messagesPerLoop rollingAverage
	actionsPerLoop  rollingAverage
	tasksPerLoop    rollingAverage
}

func (s *stats) start(at time.Time, user string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startTime = at
	s.startUser = user
}

// iteration records one completed loop iteration.
func (s *stats) iteration(messages, actions, tasks int, overworked bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.iterations++
	s.messagesReceived += uint64(messages)
	s.actionsExecuted += uint64(actions)
	s.tasksAwaited += uint64(tasks)
	if overworked {
		s.overworkedLoops++
	}
	s.messagesPerLoop.add(float64(messages))
	s.actionsPerLoop.add(float64(actions))
	s.tasksPerLoop.add(float64(tasks))
}

func (s *stats) request() {
	s.mu.Lock()
	s.requestsProcessed++
	s.mu.Unlock()
}

func (s *stats) attached() {
	s.mu.Lock()
	s.processesAttached++
	s.mu.Unlock()
}

func (s *stats) failed() {
	s.mu.Lock()
	s.failedOperations++
	s.mu.Unlock()
}

func (s *stats) taskCount(n int) {
	s.mu.Lock()
	if n > s.highestTaskCount {
		s.highestTaskCount = n
	}
	s.mu.Unlock()
}

func (s *stats) snapshot(now time.Time, watched, tasks int) Statistics {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := Statistics{
		StartTime:              s.startTime,
		StartUser:              s.startUser,
		Iterations:             s.iterations,
		MessagesReceived:       s.messagesReceived,
		RequestsProcessed:      s.requestsProcessed,
		ActionsExecuted:        s.actionsExecuted,
		TasksAwaited:           s.tasksAwaited,
		ProcessesAttached:      s.processesAttached,
		OverworkedLoops:        s.overworkedLoops,
		FailedOperations:       s.failedOperations,
		HighestTaskCount:       s.highestTaskCount,
		WatchedProcesses:       watched,
		RegisteredTasks:        tasks,
		AverageMessagesPerLoop: s.messagesPerLoop.mean(),
		AverageActionsPerLoop:  s.actionsPerLoop.mean(),
		AverageTasksPerLoop:    s.tasksPerLoop.mean(),
	}
	if !s.startTime.IsZero() {
		out.Uptime = now.Sub(s.startTime).Round(time.Second).String()
	}
	return out
}
