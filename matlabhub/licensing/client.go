package licensing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/beevik/etree"

	"github.com/tomyedwab/matlabproxy/matlabhub/apperror"
)

const callerID = "desktop-jupyter"

// TokenData is the profile returned when an identity token is expanded.
type TokenData struct {
	Expiry      string
	FirstName   string
	LastName    string
	DisplayName string
	UserID      string
	ProfileID   string
}

// OnlineAPI is the subset of the online licensing services the Machine needs.
type OnlineAPI interface {
	ExpandToken(ctx context.Context, identityToken, sourceID string) (*TokenData, error)
	AccessToken(ctx context.Context, identityToken, sourceID string) (string, error)
	Entitlements(ctx context.Context, accessToken, release string) ([]Entitlement, error)
}

// APIClient talks to the authentication and entitlement web services.
type APIClient struct {
	authEndpoint        string
	entitlementEndpoint string
	httpClient          *http.Client
}

// ClientOption configures an APIClient.
type ClientOption func(*APIClient)

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *APIClient) {
		c.httpClient = client
	}
}

// NewAPIClient creates a client for the given authentication and entitlement endpoints.
func NewAPIClient(authEndpoint, entitlementEndpoint string, options ...ClientOption) *APIClient {
	c := &APIClient{
		authEndpoint:        strings.TrimRight(authEndpoint, "/"),
		entitlementEndpoint: entitlementEndpoint,
		httpClient:          &http.Client{Timeout: 30 * time.Second},
	}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *APIClient) post(ctx context.Context, endpoint string, query url.Values, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"?"+query.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindOnlineLicensing,
			fmt.Sprintf("Communication with %s failed. For more details, see %s.", endpoint, URL), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindOnlineLicensing,
			fmt.Sprintf("Communication with %s failed. For more details, see %s.", endpoint, URL), err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.KindOnlineLicensing,
			fmt.Sprintf("Communication with %s failed (%d). For more details, see %s.", endpoint, resp.StatusCode, URL))
	}
	return body, nil
}

func (c *APIClient) authHeaders() map[string]string {
	return map[string]string{
		"Accept":           "application/json",
		"X_MW_WS_callerId": callerID,
	}
}

func (c *APIClient) decodeJSON(body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		return apperror.Wrap(apperror.KindOnlineLicensing,
			fmt.Sprintf("Unexpected response from %s. For more details, see %s.", c.authEndpoint, URL), err)
	}
	return nil
}

// ExpandToken exchanges an identity token for the account profile and token expiry.
func (c *APIClient) ExpandToken(ctx context.Context, identityToken, sourceID string) (*TokenData, error) {
	query := url.Values{}
	query.Set("tokenString", identityToken)
	query.Set("tokenPolicyName", "R1")
	query.Set("sourceId", sourceID)

	body, err := c.post(ctx, c.authEndpoint+"/tokens", query, c.authHeaders())
	if err != nil {
		return nil, err
	}

	var data struct {
		ExpirationDate  string `json:"expirationDate"`
		ReferenceDetail struct {
			FirstName   string `json:"firstName"`
			LastName    string `json:"lastName"`
			DisplayName string `json:"displayName"`
			UserID      string `json:"userId"`
			ReferenceID string `json:"referenceId"`
		} `json:"referenceDetail"`
	}
	if err := c.decodeJSON(body, &data); err != nil {
		return nil, err
	}
	return &TokenData{
		Expiry:      data.ExpirationDate,
		FirstName:   data.ReferenceDetail.FirstName,
		LastName:    data.ReferenceDetail.LastName,
		DisplayName: data.ReferenceDetail.DisplayName,
		UserID:      data.ReferenceDetail.UserID,
		ProfileID:   data.ReferenceDetail.ReferenceID,
	}, nil
}

// AccessToken exchanges an identity token for a short-lived access token.
func (c *APIClient) AccessToken(ctx context.Context, identityToken, sourceID string) (string, error) {
	query := url.Values{}
	query.Set("tokenString", identityToken)
	query.Set("type", "MWAS")
	query.Set("sourceId", sourceID)

	body, err := c.post(ctx, c.authEndpoint+"/tokens/access", query, c.authHeaders())
	if err != nil {
		return "", err
	}

	var data struct {
		AccessTokenString string `json:"accessTokenString"`
	}
	if err := c.decodeJSON(body, &data); err != nil {
		return "", err
	}
	return data.AccessTokenString, nil
}

// Entitlements lists the non-expired entitlements of the account for release.
// An empty list is reported as an entitlement error.
func (c *APIClient) Entitlements(ctx context.Context, accessToken, release string) ([]Entitlement, error) {
	query := url.Values{}
	query.Set("token", accessToken)
	query.Set("release", release)
	query.Set("coreProduct", "ML")
	query.Set("context", "jupyter")
	query.Set("excludeExpired", "true")

	body, err := c.post(ctx, c.entitlementEndpoint, query, nil)
	if err != nil {
		return nil, err
	}

	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(body); err != nil {
		return nil, apperror.Wrap(apperror.KindOnlineLicensing,
			fmt.Sprintf("Unexpected response from %s. For more details, see %s.", c.entitlementEndpoint, URL), err)
	}

	var list *etree.Element
	if root := doc.Root(); root != nil {
		list = root.SelectElement("entitlements")
	}
	if list == nil || len(list.ChildElements()) == 0 {
		return nil, apperror.New(apperror.KindEntitlement,
			fmt.Sprintf("Your MathWorks account is not linked to a valid license for MATLAB %s.", release))
	}

	var entitlements []Entitlement
	for _, el := range list.SelectElements("entitlement") {
		entitlements = append(entitlements, Entitlement{
			ID:            childText(el, "id"),
			Label:         childText(el, "label"),
			LicenseNumber: childText(el, "license_number"),
		})
	}
	if len(entitlements) == 0 {
		return nil, apperror.New(apperror.KindEntitlement,
			fmt.Sprintf("Your MathWorks account is not linked to a valid license for MATLAB %s.", release))
	}
	return entitlements, nil
}

func childText(el *etree.Element, tag string) string {
	child := el.SelectElement(tag)
	if child == nil {
		return ""
	}
	return strings.TrimSpace(child.Text())
}
