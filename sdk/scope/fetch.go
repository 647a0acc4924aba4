package scope

import (
	"context"
	"io"
	"net/http"
	"sync"
)

// ManagedFetch sends req and aborts it if the Manager is cleaned up before
// the response body is closed. The abort hook is released when the body is
// closed or the request fails.
func (m *Manager) ManagedFetch(req *http.Request) (*http.Response, error) {
	ctx, cancel := context.WithCancel(req.Context())
	reg := m.OnCleanupFunc(func() error {
		cancel()
		return nil
	})

	resp, err := m.client.Do(req.WithContext(ctx))
	if err != nil {
		reg.Cancel()
		cancel()
		return nil, err
	}

	resp.Body = &managedBody{ReadCloser: resp.Body, release: func() {
		reg.Cancel()
		cancel()
	}}
	return resp, nil
}

type managedBody struct {
	io.ReadCloser
	once    sync.Once
	release func()
}

func (b *managedBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}
