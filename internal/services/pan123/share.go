package pan123

import (
	"context"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

const (
	pathShareCreate     = "/api/v1/share/create"
	pathPaidShareCreate = "/api/v1/share/content-payment/create"

	maxShareFiles = 100
)

// ShareParams creates a share link. ShareExpire is in days: 0 (permanent),
// 1, 7 or 30.
type ShareParams struct {
	ShareName          string
	ShareExpire        int
	Files              IDList
	SharePwd           string
	TrafficSwitch      int
	TrafficLimitSwitch int
	TrafficLimit       int64
}

// Validate checks the params before any network call.
func (p ShareParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ShareName, validation.Required, validation.Length(1, 34)),
		validation.Field(&p.ShareExpire, validation.In(0, 1, 7, 30).Error("must be one of 0, 1, 7 or 30")),
		validation.Field(&p.Files, validation.By(maxFilesRule)),
		validation.Field(&p.TrafficSwitch, validation.In(1, 2, 3, 4)),
		validation.Field(&p.TrafficLimitSwitch, validation.In(1, 2)),
		validation.Field(&p.TrafficLimit, validation.Min(int64(0))),
	)
}

func maxFilesRule(value interface{}) error {
	ids, _ := value.(IDList)
	values, err := ids.Values()
	if err != nil {
		return err
	}
	if len(values) > maxShareFiles {
		return fmt.Errorf("at most %d files can be shared at once", maxShareFiles)
	}
	return nil
}

// Share identifies a created share link.
type Share struct {
	ShareID  int64  `json:"shareID"`
	ShareKey string `json:"shareKey"`
}

// CreateShare creates a free share link.
func (c *Client) CreateShare(ctx context.Context, p ShareParams) (*Share, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid share params: %w", err)
	}
	joined, _ := p.Files.Joined()

	body := map[string]interface{}{
		"shareName":   p.ShareName,
		"shareExpire": p.ShareExpire,
		"fileIDList":  joined,
	}
	if p.SharePwd != "" {
		body["sharePwd"] = p.SharePwd
	}
	addTraffic(body, p.TrafficSwitch, p.TrafficLimitSwitch, p.TrafficLimit)

	var out Share
	if err := c.post(ctx, pathShareCreate, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PaidShareParams creates a paid share link. PayAmount is 1..1000 yuan.
type PaidShareParams struct {
	ShareName          string
	Files              IDList
	PayAmount          int
	IsReward           bool
	ResourceDesc       string
	TrafficSwitch      int
	TrafficLimitSwitch int
	TrafficLimit       int64
}

// Validate checks the params before any network call.
func (p PaidShareParams) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ShareName, validation.Required, validation.Length(1, 34)),
		validation.Field(&p.Files, validation.By(maxFilesRule)),
		validation.Field(&p.PayAmount, validation.Required, validation.Min(1), validation.Max(1000)),
		validation.Field(&p.TrafficSwitch, validation.In(1, 2, 3, 4)),
		validation.Field(&p.TrafficLimitSwitch, validation.In(1, 2)),
		validation.Field(&p.TrafficLimit, validation.Min(int64(0))),
	)
}

// CreatePaidShare creates a share link that requires payment.
func (c *Client) CreatePaidShare(ctx context.Context, p PaidShareParams) (*Share, error) {
	if err := p.Validate(); err != nil {
		return nil, fmt.Errorf("invalid paid share params: %w", err)
	}
	joined, _ := p.Files.Joined()

	body := map[string]interface{}{
		"shareName":  p.ShareName,
		"fileIDList": joined,
		"payAmount":  p.PayAmount,
	}
	if p.IsReward {
		body["isReward"] = 1
	}
	if p.ResourceDesc != "" {
		body["resourceDesc"] = p.ResourceDesc
	}
	addTraffic(body, p.TrafficSwitch, p.TrafficLimitSwitch, p.TrafficLimit)

	var out Share
	if err := c.post(ctx, pathPaidShareCreate, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func addTraffic(body map[string]interface{}, sw, limitSw int, limit int64) {
	if sw != 0 {
		body["trafficSwitch"] = sw
	}
	if limitSw != 0 {
		body["trafficLimitSwitch"] = limitSw
	}
	if limit != 0 {
		body["trafficLimit"] = limit
	}
}
