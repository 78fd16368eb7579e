package telemetry

import (
	"context"
	"fmt"
	"strings"
	"time"

	usertypes "github.com/goliatone/go-users/pkg/types"
	"github.com/google/uuid"
)

const (
	ActivityObjectType = "tenant_context"
	ActivityChannel    = "tenantsync"
)

// ActivityTracker forwards events to a go-users ActivitySink so that context
// restores and switches show up in a user's activity feed.
type ActivityTracker struct {
	Sink     usertypes.ActivitySink
	ActorID  uuid.UUID
	UserID   uuid.UUID
	TenantID uuid.UUID
	Logger   interface{ Printf(string, ...any) }
}

func (a ActivityTracker) Track(ctx context.Context, event Event) {
	if a.Sink == nil || strings.TrimSpace(event.Name) == "" {
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	record := usertypes.ActivityRecord{
		ActorID:    a.ActorID,
		UserID:     a.UserID,
		TenantID:   a.TenantID,
		Verb:       event.Name,
		ObjectType: ActivityObjectType,
		ObjectID:   activityObjectID(event),
		Channel:    ActivityChannel,
		Data:       activityData(event.Properties),
		OccurredAt: event.OccurredAt,
	}
	if record.OccurredAt.IsZero() {
		record.OccurredAt = time.Now()
	}
	if err := a.Sink.Log(ctx, record); err != nil && a.Logger != nil {
		a.Logger.Printf("[tenant-context] activity sink: %v", err)
	}
}

// activityObjectID names the tenant pair the event is about, or "none" when
// the event carries no org.
func activityObjectID(event Event) string {
	org, ok := event.Properties[PropOrgID]
	if !ok || org == nil {
		return "none"
	}
	company := event.Properties[PropCompanyID]
	if company == nil {
		return fmt.Sprintf("%v:null", org)
	}
	return fmt.Sprintf("%v:%v", org, company)
}

func activityData(src map[string]any) map[string]any {
	if len(src) == 0 {
		return nil
	}
	dst := make(map[string]any, len(src))
	for key, value := range src {
		if latency, ok := value.(time.Duration); ok {
			dst[key] = latency.Milliseconds()
			continue
		}
		dst[key] = value
	}
	return dst
}
