package docstore

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/lib/pq"
)

// ChangeChannel はdocumentsテーブルのトリガーが通知するチャネル名。
const ChangeChannel = "documents_changed"

// DefaultPartitionField は変更通知の振り分けに使うフィールド名。
const DefaultPartitionField = "ownerId"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPingInterval = 90 * time.Second
)

// changeEvent はトリガーが送るペイロード。
type changeEvent struct {
	Collection string `json:"collection"`
	Partition  string `json:"partition"`
}

// ChangeHub はPostgreSQLのLISTEN/NOTIFYを1本の接続で受け、
// 該当するサブスクリプションへ再クエリを促す。
type ChangeHub struct {
	listener       *pq.Listener
	logger         *slog.Logger
	partitionField string

	mu   sync.Mutex
	subs map[*pgSubscription]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewChangeHub はdsnに接続してChangeChannelをLISTENするハブを生成する。
func NewChangeHub(dsn string, logger *slog.Logger) (*ChangeHub, error) {
	h := &ChangeHub{
		logger:         logger,
		partitionField: DefaultPartitionField,
		subs:           make(map[*pgSubscription]struct{}),
		done:           make(chan struct{}),
	}
	h.listener = pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, h.onEvent)
	if err := h.listener.Listen(ChangeChannel); err != nil {
		h.listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", ChangeChannel, err)
	}

	go h.run()
	return h, nil
}

// Close はLISTEN接続を閉じる。登録済みのサブスクリプションにはそれ以降通知されない。
func (h *ChangeHub) Close() error {
	var err error
	h.closeOnce.Do(func() {
		close(h.done)
		err = h.listener.Close()
	})
	return err
}

func (h *ChangeHub) add(sub *pgSubscription) {
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
}

func (h *ChangeHub) remove(sub *pgSubscription) {
	h.mu.Lock()
	delete(h.subs, sub)
	h.mu.Unlock()
}

func (h *ChangeHub) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventDisconnected:
		h.logger.Warn("change listener disconnected", slog.String("error", errString(err)))
	case pq.ListenerEventReconnected:
		h.logger.Info("change listener reconnected")
	case pq.ListenerEventConnectionAttemptFailed:
		h.logger.Warn("change listener connection attempt failed", slog.String("error", errString(err)))
	}
}

func (h *ChangeHub) run() {
	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.done:
			return
		case n, ok := <-h.listener.Notify:
			if !ok {
				return
			}
			// 再接続直後はnilが届く。切断中の変更を取りこぼしている可能性がある
			if n == nil {
				h.signalAll()
				continue
			}
			h.dispatch(n.Extra)
		case <-ticker.C:
			go func() {
				if err := h.listener.Ping(); err != nil {
					h.logger.Warn("change listener ping failed", slog.String("error", err.Error()))
				}
			}()
		}
	}
}

func (h *ChangeHub) dispatch(payload string) {
	var ev changeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		h.logger.Warn("invalid change payload", slog.String("payload", payload), slog.String("error", err.Error()))
		h.signalAll()
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		if sub.query.Collection != ev.Collection {
			continue
		}
		if !h.partitionMatches(sub.query, ev.Partition) {
			continue
		}
		sub.signal()
	}
}

// partitionMatches はサブスクリプションのフィルタと通知のパーティションが矛盾しないかを判定する。
func (h *ChangeHub) partitionMatches(q Query, partition string) bool {
	if partition == "" {
		return true
	}
	for _, f := range q.Filters {
		if f.Field != h.partitionField {
			continue
		}
		s, ok := f.Value.(string)
		if ok && s != partition {
			return false
		}
	}
	return true
}

func (h *ChangeHub) signalAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		sub.signal()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
