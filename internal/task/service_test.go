package task

import (
	"context"
	"errors"
	"sync"
	"testing"

	xerrors "OpenTrip-Agent/internal/errors"
)

// stubProducer 记录发布的任务标识。
type stubProducer struct {
	mu        sync.Mutex
	published []string
	err       error
}

func (p *stubProducer) Publish(_ context.Context, taskID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, taskID)
	return nil
}

func (p *stubProducer) Close() error { return nil }

func TestServiceSubmit(t *testing.T) {
	store := NewMemoryStore()
	producer := &stubProducer{}
	service := NewService(store, producer, 3)

	created, err := service.Submit(context.Background(), SubmitRequest{Query: "weekend in Lisbon"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID == "" {
		t.Fatal("task id should be generated")
	}
	if created.Status != StatusPending || created.MaxRetries != 3 {
		t.Fatalf("unexpected task: %+v", created)
	}
	if len(producer.published) != 1 || producer.published[0] != created.ID {
		t.Fatalf("task not published: %v", producer.published)
	}
}

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), &stubProducer{}, 3)
	_, err := service.Submit(context.Background(), SubmitRequest{Query: "   "})
	if xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}
}

func TestServiceSubmitIdempotent(t *testing.T) {
	store := NewMemoryStore()
	producer := &stubProducer{}
	service := NewService(store, producer, 3)

	first, err := service.Submit(context.Background(), SubmitRequest{ID: "fixed-id", Query: "q"})
	if err != nil {
		t.Fatalf("first submit: %v", err)
	}
	second, err := service.Submit(context.Background(), SubmitRequest{ID: "fixed-id", Query: "q"})
	if err != nil {
		t.Fatalf("second submit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("ids diverged: %s vs %s", first.ID, second.ID)
	}
	if len(producer.published) != 1 {
		t.Fatalf("resubmission must not enqueue again: %v", producer.published)
	}
}

func TestServiceSubmitPublishFailure(t *testing.T) {
	store := NewMemoryStore()
	producer := &stubProducer{err: errors.New("broker down")}
	service := NewService(store, producer, 3)

	created, err := service.Submit(context.Background(), SubmitRequest{Query: "q"})
	if err == nil {
		t.Fatal("publish failure must surface")
	}
	if created != nil {
		t.Fatalf("no task should be returned on failure: %+v", created)
	}
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("unexpected code: %s", xerrors.CodeOf(err))
	}

	// 入队失败的任务被标记为终态失败，方便排查。
	tasks, listErr := store.List(context.Background(), ListOptions{Limit: 10})
	if listErr != nil {
		t.Fatalf("list: %v", listErr)
	}
	if len(tasks) != 1 || tasks[0].Status != StatusFailed {
		t.Fatalf("task should be failed: %+v", tasks)
	}
}

func TestServiceGetUnknownTask(t *testing.T) {
	service := NewService(NewMemoryStore(), &stubProducer{}, 3)
	_, err := service.Get(context.Background(), "missing")
	if !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestServiceListAndStats(t *testing.T) {
	store := NewMemoryStore()
	service := NewService(store, &stubProducer{}, 3)
	ctx := context.Background()

	for _, query := range []string{"flights to tokyo", "hotels in paris", "flights to osaka"} {
		if _, err := service.Submit(ctx, SubmitRequest{Query: query}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}

	tasks, err := service.List(ctx, WithStatuses(StatusPending), WithQuery("flights"))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 flight tasks, got %+v", tasks)
	}

	page, err := service.List(ctx, WithLimit(1), WithOffset(2), WithSortOrder(SortByUpdatedAsc))
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(page) != 1 {
		t.Fatalf("expected single-task page, got %+v", page)
	}

	stats, err := service.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 3 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}
