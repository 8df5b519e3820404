package pan123

import "context"

const pathUserInfo = "/api/v1/user/info"

// UserInfo is the account behind the credentials.
type UserInfo struct {
	UID            int64  `json:"uid"`
	Nickname       string `json:"nickname"`
	HeadImage      string `json:"headImage,omitempty"`
	Passport       string `json:"passport,omitempty"`
	Mail           string `json:"mail,omitempty"`
	SpaceUsed      int64  `json:"spaceUsed"`
	SpacePermanent int64  `json:"spacePermanent"`
	SpaceTemp      int64  `json:"spaceTemp"`
	SpaceTempExpr  int64  `json:"spaceTempExpr"`
	VIP            bool   `json:"vip"`
	DirectTraffic  int64  `json:"directTraffic"`
	IsHideUID      bool   `json:"isHideUID"`
}

// UserInfo returns the account information.
func (c *Client) UserInfo(ctx context.Context) (*UserInfo, error) {
	var out UserInfo
	if err := c.get(ctx, pathUserInfo, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
