package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"calcsync/backend/internal/cache"
	"calcsync/backend/internal/lock"
	"calcsync/backend/internal/room"
)

type RoomLister interface {
	Rooms() []room.Summary
	// ClusterRooms 所有实例上有在线成员的房间
	ClusterRooms(ctx context.Context) ([]string, error)
}

type Admin struct {
	cache   *cache.Tiered
	inv     *cache.Invalidator
	limiter *lock.Limiter
	rooms   RoomLister
}

func NewAdmin(c *cache.Tiered, inv *cache.Invalidator, limiter *lock.Limiter, rooms RoomLister) *Admin {
	return &Admin{cache: c, inv: inv, limiter: limiter, rooms: rooms}
}

func (a *Admin) Register(r gin.IRouter) {
	r.POST("/cache/invalidate", a.Invalidate)
	r.GET("/cache/stats", a.CacheStats)
	r.GET("/ratelimit/:identifier", a.RateLimit)
	r.GET("/rooms", a.Rooms)
}

type invalidateReq struct {
	Pattern string `json:"pattern"`
	Tag     string `json:"tag"`
	Entity  string `json:"entity"`
	ID      string `json:"id"`
}

// Invalidate accepts exactly one of pattern, tag or entity+id.
func (a *Admin) Invalidate(c *gin.Context) {
	var req invalidateReq
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid body"})
		return
	}
	var (
		res cache.Result
		err error
	)
	ctx := c.Request.Context()
	switch {
	case req.Entity != "" && req.ID != "":
		res, err = a.inv.InvalidateEntity(ctx, req.Entity, req.ID)
	case req.Pattern != "":
		res, err = a.inv.InvalidatePattern(ctx, req.Pattern)
	case req.Tag != "":
		res, err = a.inv.InvalidateTag(ctx, req.Tag)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "one of pattern, tag or entity+id is required"})
		return
	}
	if err != nil && !res.Partial {
		// 未知实体等参数错误
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"keys":     res.Keys,
		"patterns": res.Patterns,
		"tags":     res.Tags,
		"partial":  res.Partial,
	})
}

func (a *Admin) CacheStats(c *gin.Context) {
	c.JSON(http.StatusOK, a.cache.Stats())
}

func (a *Admin) RateLimit(c *gin.Context) {
	id := c.Param("identifier")
	d, err := a.limiter.Peek(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "rate limit store unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"identifier":     id,
		"limit":          d.Limit,
		"remaining":      d.Remaining,
		"resetInSeconds": int(d.ResetIn.Seconds() + 0.999),
	})
}

func (a *Admin) Rooms(c *gin.Context) {
	rooms := a.rooms.Rooms()
	resp := gin.H{"count": len(rooms), "rooms": rooms}
	if cluster, err := a.rooms.ClusterRooms(c.Request.Context()); err == nil {
		resp["cluster"] = cluster
	} else {
		resp["clusterError"] = err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

// Health reports liveness; a degraded cache is still healthy.
func Health(c *cache.Tiered, connections func() int, rooms func() int) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		ctx.JSON(http.StatusOK, gin.H{
			"status":      "ok",
			"degraded":    c.Degraded(),
			"rooms":       rooms(),
			"connections": connections(),
		})
	}
}

// Me echoes the identity set by the auth middleware.
func Me(c *gin.Context) {
	uid := c.GetString("userId")
	if uid == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing identity"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": uid, "username": c.GetString("username")})
}
