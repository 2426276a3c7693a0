package ingestion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"pledgerun/services/ledger"

	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"
)

var (
	ErrUnknownAthlete   = errors.New("unknown athlete")
	ErrActivityNotFound = errors.New("activity not found at provider")
)

var metersPerKilometer = decimal.NewFromInt(1000)

// ActivityResolver turns a webhook delivery into an activity to record.
type ActivityResolver interface {
	Resolve(ctx context.Context, event WebhookEvent) (RecordActivityCommand, error)
}

// AthleteDirectory maps provider athletes to owners.
type AthleteDirectory interface {
	AthleteLink(ctx context.Context, source, athleteID string) (*ledger.AthleteLink, error)
}

type stravaActivity struct {
	ID        int64           `json:"id"`
	Distance  decimal.Decimal `json:"distance"`
	StartDate time.Time       `json:"start_date"`
}

type stravaFault struct {
	Message string `json:"message"`
}

type StravaResolver struct {
	athletes AthleteDirectory
	client   *resty.Client
}

func NewStravaResolver(athletes AthleteDirectory, baseURL string, timeout time.Duration) *StravaResolver {
	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetError(&stravaFault{})

	return &StravaResolver{athletes: athletes, client: client}
}

func (r *StravaResolver) Resolve(ctx context.Context, event WebhookEvent) (RecordActivityCommand, error) {
	athleteID := strconv.FormatInt(event.OwnerID, 10)
	link, err := r.athletes.AthleteLink(ctx, SourceStrava, athleteID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return RecordActivityCommand{}, fmt.Errorf("athlete %s: %w", athleteID, ErrUnknownAthlete)
		}
		return RecordActivityCommand{}, err
	}

	var activity stravaActivity
	resp, err := r.client.R().
		SetContext(ctx).
		SetAuthToken(link.AccessToken).
		SetPathParam("id", strconv.FormatInt(event.ObjectID, 10)).
		SetResult(&activity).
		Get("/activities/{id}")
	if err != nil {
		return RecordActivityCommand{}, fmt.Errorf("fetch strava activity %d: %w", event.ObjectID, err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		return RecordActivityCommand{}, fmt.Errorf("strava activity %d: %w", event.ObjectID, ErrActivityNotFound)
	}
	if resp.IsError() {
		msg := resp.Status()
		if fault, ok := resp.Error().(*stravaFault); ok && fault.Message != "" {
			msg = fault.Message
		}
		return RecordActivityCommand{}, fmt.Errorf("fetch strava activity %d: %s", event.ObjectID, msg)
	}

	activityDate := activity.StartDate
	if activityDate.IsZero() {
		activityDate = time.Unix(event.EventTime, 0)
	}

	return RecordActivityCommand{
		OwnerRef:     link.OwnerRef,
		Distance:     activity.Distance.Div(metersPerKilometer),
		Source:       SourceStrava,
		ExternalID:   strconv.FormatInt(event.ObjectID, 10),
		ActivityDate: activityDate.UTC(),
	}, nil
}
