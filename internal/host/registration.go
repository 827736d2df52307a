package host

import (
	"context"
	"net/url"
	"sync/atomic"

	"github.com/qsw/qsw/internal/worker"
)

// registration 把一个 worker 绑定到宿主，同时实现 worker.Controller 与 reconciler.Registration。
type registration struct {
	host      *Host
	scriptURL string
	worker    *worker.Worker

	claimed atomic.Bool
	preload atomic.Bool
}

func (r *registration) Origin() *url.URL {
	return r.host.opts.Origin
}

// SkipWaiting 在进程内宿主中无需等待旧客户端退出，安装完成后立即激活。
func (r *registration) SkipWaiting(context.Context) error {
	return nil
}

func (r *registration) Claim(context.Context) error {
	r.claimed.Store(true)
	return nil
}

func (r *registration) EnableNavigationPreload(context.Context) error {
	r.preload.Store(true)
	return nil
}

// Retire 在 tier 被删除前调用，等待进行中的缓存写入结束。
func (r *registration) Retire(context.Context) {
	r.worker.MarkRedundant()
	r.worker.Wait()
}

func (r *registration) Unregister(ctx context.Context) error {
	r.host.unregister(r)
	return nil
}
