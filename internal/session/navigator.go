package session

import "sync"

// View はクライアントが表示している画面。
type View string

const (
	// ViewSignIn はログイン画面。
	ViewSignIn View = "signin"
	// ViewDashboard はログイン後のダッシュボード。
	ViewDashboard View = "dashboard"
)

// Navigator は画面遷移のインターフェース。
type Navigator interface {
	CurrentView() View
	Navigate(to View)
}

// ViewTracker はワークスペースごとの現在の画面を保持するNavigator実装。
// APIレスポンスで遷移先をクライアントへ伝えるために使う。
type ViewTracker struct {
	mu      sync.Mutex
	current View
}

// NewViewTracker はViewTrackerを生成する。
func NewViewTracker(initial View) *ViewTracker {
	return &ViewTracker{current: initial}
}

// CurrentView は現在の画面を返す。
func (t *ViewTracker) CurrentView() View {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.current
}

// Navigate は画面を切り替える。
func (t *ViewTracker) Navigate(to View) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.current = to
}

// compile-time interface check
var _ Navigator = (*ViewTracker)(nil)
