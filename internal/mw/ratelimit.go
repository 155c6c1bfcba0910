package mw

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

type keyLimiter struct {
	lim *rate.Limiter
	ts  time.Time
}

type RL struct {
	mu   sync.Mutex
	m    map[string]*keyLimiter
	r    rate.Limit
	b    int
	ttl  time.Duration
	stop chan struct{}
	once sync.Once
}

func NewRateLimiter(r rate.Limit, burst int, ttl time.Duration) *RL {
	return &RL{m: make(map[string]*keyLimiter), r: r, b: burst, ttl: ttl, stop: make(chan struct{})}
}

func (rl *RL) get(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	kl, ok := rl.m[key]
	if ok {
		kl.ts = time.Now()
		return kl.lim
	}
	lim := rate.NewLimiter(rl.r, rl.b)
	rl.m[key] = &keyLimiter{lim: lim, ts: time.Now()}
	return lim
}

// sweep 删除 ttl 内没有访问过的 key。
func (rl *RL) sweep(now time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	for k, v := range rl.m {
		if now.Sub(v.ts) > rl.ttl {
			delete(rl.m, k)
		}
	}
}

func (rl *RL) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.m)
}

// Run 定期清理过期 key，直到 Stop 被调用。
func (rl *RL) Run() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-rl.stop:
			return
		case now := <-ticker.C:
			rl.sweep(now)
		}
	}
}

// Stop 停止 GC goroutine，用于优雅停服。
func (rl *RL) Stop() {
	rl.once.Do(func() { close(rl.stop) })
}

// Middleware 返回令牌桶限速中间件。已登录请求按用户计数，否则按 IP；
// 两者都再按路由区分。需要挂在鉴权中间件之后才能拿到用户。
func (rl *RL) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		who := "ip:" + clientIP(c.Request.RemoteAddr)
		if v, ok := c.Get("userID"); ok {
			if uid, ok := v.(uint); ok {
				who = "user:" + strconv.FormatUint(uint64(uid), 10)
			}
		}
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		if !rl.get(who + "|" + path).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{"kind": "rate_limited", "message": "too many requests"},
			})
			return
		}
		c.Next()
	}
}

func clientIP(remote string) string {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		return remote
	}
	return host
}
