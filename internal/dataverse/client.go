package dataverse

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// APIVersion is the Dataverse Web API version all calls target.
const APIVersion = "v9.2"

// DefaultLanguageCode is the locale used for labels (1033 = English).
const DefaultLanguageCode = 1033

// defaultRequestTimeout bounds a single API call.
const defaultRequestTimeout = 30 * time.Second

// ErrNotFound is returned when the requested OptionSet does not exist.
var ErrNotFound = errors.New("optionset not found")

// OptionSetRef identifies a target OptionSet. A ref with Entity and
// Attribute set addresses a local (entity-scoped) picklist; otherwise it
// addresses the global set called Name.
type OptionSetRef struct {
	Name      string `json:"name,omitempty"`
	Entity    string `json:"entity,omitempty"`
	Attribute string `json:"attribute,omitempty"`
}

// Local reports whether the ref addresses an entity-scoped OptionSet.
func (r OptionSetRef) Local() bool {
	return r.Entity != "" && r.Attribute != ""
}

// Validate checks the ref addresses exactly one OptionSet.
func (r OptionSetRef) Validate() error {
	if r.Local() {
		return nil
	}
	if r.Entity != "" || r.Attribute != "" {
		return fmt.Errorf("local optionset requires both entity and attribute")
	}
	if r.Name == "" {
		return fmt.Errorf("optionset name is required")
	}
	return nil
}

func (r OptionSetRef) String() string {
	if r.Local() {
		return r.Entity + "." + r.Attribute
	}
	return r.Name
}

// OptionValue is one choice entry: an integer value unique within its
// OptionSet and a display label.
type OptionValue struct {
	Label string `json:"label"`
	Value int    `json:"value"`
}

// OptionSetInfo describes a remote OptionSet definition.
type OptionSetInfo struct {
	Name         string        `json:"name"`
	DisplayLabel string        `json:"displayLabel"`
	Type         string        `json:"type,omitempty"`
	Options      []OptionValue `json:"options"`
}

// TokenSource supplies a valid bearer token for each call.
// *Authenticator satisfies it.
type TokenSource interface {
	Token(ctx context.Context) (TokenState, error)
}

// Client is the thin request layer: one remote call per invocation, no
// batching, no retries.
type Client struct {
	baseURL      string
	tokens       TokenSource
	http         *http.Client
	languageCode int
}

// ClientConfig tunes the Client. Zero values select defaults.
type ClientConfig struct {
	HTTPClient   *http.Client
	LanguageCode int
}

// NewClient creates a Client for the environment in creds, drawing bearer
// tokens from tokens.
func NewClient(creds Credentials, tokens TokenSource, cfg ClientConfig) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultRequestTimeout}
	}
	lang := cfg.LanguageCode
	if lang <= 0 {
		lang = DefaultLanguageCode
	}

	return &Client{
		baseURL:      creds.EnvironmentURL() + "/api/data/" + APIVersion,
		tokens:       tokens,
		http:         httpClient,
		languageCode: lang,
	}
}

// ----------------------------------------------------------------------------
// Wire shapes
// ----------------------------------------------------------------------------

type localizedLabel struct {
	Label        string `json:"Label"`
	LanguageCode int    `json:"LanguageCode"`
}

type labelWrapper struct {
	LocalizedLabels []localizedLabel `json:"LocalizedLabels"`
}

func (c *Client) label(text string) labelWrapper {
	return labelWrapper{LocalizedLabels: []localizedLabel{{Label: text, LanguageCode: c.languageCode}}}
}

func (l labelWrapper) text(languageCode int) string {
	for _, ll := range l.LocalizedLabels {
		if ll.LanguageCode == languageCode {
			return ll.Label
		}
	}
	if len(l.LocalizedLabels) > 0 {
		return l.LocalizedLabels[0].Label
	}
	return ""
}

type optionMetadata struct {
	ODataType string       `json:"@odata.type,omitempty"`
	Label     labelWrapper `json:"Label"`
	Value     int          `json:"Value"`
}

type optionSetDefinition struct {
	Name          string           `json:"Name"`
	DisplayName   labelWrapper     `json:"DisplayName"`
	OptionSetType string           `json:"OptionSetType"`
	Options       []optionMetadata `json:"Options"`
}

func (c *Client) toInfo(def optionSetDefinition) OptionSetInfo {
	info := OptionSetInfo{
		Name:         def.Name,
		DisplayLabel: def.DisplayName.text(c.languageCode),
		Type:         def.OptionSetType,
	}
	for _, opt := range def.Options {
		info.Options = append(info.Options, OptionValue{
			Label: opt.Label.text(c.languageCode),
			Value: opt.Value,
		})
	}
	return info
}

// mutationPayload is the body for InsertOptionValue / UpdateOptionValue /
// DeleteOptionValue. Global targets carry OptionSetName; local targets
// carry the entity/attribute pair instead.
type mutationPayload struct {
	OptionSetName        string        `json:"OptionSetName,omitempty"`
	EntityLogicalName    string        `json:"EntityLogicalName,omitempty"`
	AttributeLogicalName string        `json:"AttributeLogicalName,omitempty"`
	Label                *labelWrapper `json:"Label,omitempty"`
	Value                int           `json:"Value"`
	MergeLabels          *bool         `json:"MergeLabels,omitempty"`
}

func (c *Client) payload(target OptionSetRef, value int, label *labelWrapper) mutationPayload {
	p := mutationPayload{Value: value, Label: label}
	if target.Local() {
		p.EntityLogicalName = target.Entity
		p.AttributeLogicalName = target.Attribute
	} else {
		p.OptionSetName = target.Name
	}
	return p
}

// ----------------------------------------------------------------------------
// Mutations (one remote call each)
// ----------------------------------------------------------------------------

// InsertOption adds one option to the target OptionSet.
func (c *Client) InsertOption(ctx context.Context, target OptionSetRef, opt OptionValue) error {
	label := c.label(opt.Label)
	body := c.payload(target, opt.Value, &label)
	return c.do(ctx, http.MethodPost, "/InsertOptionValue", body, nil)
}

// UpdateOption changes the label of an existing option. When mergeLabels
// is true, labels for other locales are preserved.
func (c *Client) UpdateOption(ctx context.Context, target OptionSetRef, opt OptionValue, mergeLabels bool) error {
	label := c.label(opt.Label)
	body := c.payload(target, opt.Value, &label)
	body.MergeLabels = &mergeLabels
	return c.do(ctx, http.MethodPost, "/UpdateOptionValue", body, nil)
}

// DeleteOption removes the option with the given value.
func (c *Client) DeleteOption(ctx context.Context, target OptionSetRef, value int) error {
	body := c.payload(target, value, nil)
	return c.do(ctx, http.MethodPost, "/DeleteOptionValue", body, nil)
}

// CreateGlobalOptionSet creates a new global OptionSet with initial options.
func (c *Client) CreateGlobalOptionSet(ctx context.Context, name, displayLabel string, options []OptionValue) error {
	body := map[string]any{
		"@odata.type":       "Microsoft.Dynamics.CRM.OptionSetMetadata",
		"Name":              name,
		"DisplayName":       c.label(displayLabel),
		"IsCustomOptionSet": true,
		"OptionSetType":     "Picklist",
	}
	opts := make([]optionMetadata, 0, len(options))
	for _, o := range options {
		opts = append(opts, optionMetadata{
			ODataType: "Microsoft.Dynamics.CRM.OptionMetadata",
			Label:     c.label(o.Label),
			Value:     o.Value,
		})
	}
	body["Options"] = opts
	return c.do(ctx, http.MethodPost, "/GlobalOptionSetDefinitions", body, nil)
}

// ----------------------------------------------------------------------------
// Reads
// ----------------------------------------------------------------------------

// ListGlobalOptionSets returns every global OptionSet definition.
func (c *Client) ListGlobalOptionSets(ctx context.Context) ([]OptionSetInfo, error) {
	var resp struct {
		Value []optionSetDefinition `json:"value"`
	}
	if err := c.do(ctx, http.MethodGet, "/GlobalOptionSetDefinitions", nil, &resp); err != nil {
		return nil, err
	}

	infos := make([]OptionSetInfo, 0, len(resp.Value))
	for _, def := range resp.Value {
		infos = append(infos, c.toInfo(def))
	}
	return infos, nil
}

// SearchGlobalOptionSets returns global OptionSets whose display label
// contains the search text, case-insensitively. The filter runs client-side
// because the metadata endpoint does not support $filter on DisplayName.
func (c *Client) SearchGlobalOptionSets(ctx context.Context, label string) ([]OptionSetInfo, error) {
	all, err := c.ListGlobalOptionSets(ctx)
	if err != nil {
		return nil, err
	}

	needle := strings.ToLower(label)
	var matches []OptionSetInfo
	for _, info := range all {
		if strings.Contains(strings.ToLower(info.DisplayLabel), needle) {
			matches = append(matches, info)
		}
	}
	return matches, nil
}

// GetOptionSet returns the definition and options of a global or local
// OptionSet. Returns ErrNotFound when the set does not exist.
func (c *Client) GetOptionSet(ctx context.Context, target OptionSetRef) (*OptionSetInfo, error) {
	if target.Local() {
		return c.getLocalOptionSet(ctx, target.Entity, target.Attribute)
	}
	return c.getGlobalOptionSet(ctx, target.Name)
}

// odataLiteral escapes a value for interpolation inside an OData quoted
// string literal. Single quotes are doubled per the OData convention.
func odataLiteral(s string) string {
	return url.PathEscape(strings.ReplaceAll(s, "'", "''"))
}

func (c *Client) getGlobalOptionSet(ctx context.Context, name string) (*OptionSetInfo, error) {
	path := fmt.Sprintf("/GlobalOptionSetDefinitions(Name='%s')", odataLiteral(name))

	var def optionSetDefinition
	if err := c.do(ctx, http.MethodGet, path, nil, &def); err != nil {
		return nil, err
	}
	info := c.toInfo(def)
	return &info, nil
}

func (c *Client) getLocalOptionSet(ctx context.Context, entity, attribute string) (*OptionSetInfo, error) {
	path := fmt.Sprintf(
		"/EntityDefinitions(LogicalName='%s')/Attributes(LogicalName='%s')/Microsoft.Dynamics.CRM.PicklistAttributeMetadata?$expand=OptionSet",
		odataLiteral(entity), odataLiteral(attribute),
	)

	var resp struct {
		OptionSet optionSetDefinition `json:"OptionSet"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	info := c.toInfo(resp.OptionSet)
	if info.Name == "" {
		info.Name = entity + "." + attribute
	}
	return &info, nil
}

// ExistingValues returns the set of option values currently present in the
// target OptionSet, for duplicate detection before insert. A missing
// OptionSet yields an empty set; the subsequent insert call reports the
// real error.
func (c *Client) ExistingValues(ctx context.Context, target OptionSetRef) (map[int]struct{}, error) {
	info, err := c.GetOptionSet(ctx, target)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return map[int]struct{}{}, nil
		}
		return nil, err
	}

	existing := make(map[int]struct{}, len(info.Options))
	for _, opt := range info.Options {
		existing[opt.Value] = struct{}{}
	}
	return existing, nil
}

// ----------------------------------------------------------------------------
// Transport
// ----------------------------------------------------------------------------

// apiError is the Dataverse error envelope.
type apiError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// do issues one API call with the current bearer token and decodes the
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return err
	}

	var reqBody io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token.AccessToken)
	req.Header.Set("OData-MaxVersion", "4.0")
	req.Header.Set("OData-Version", "4.0")
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json; charset=utf-8")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &TransientError{Detail: err.Error()}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return &TransientError{Detail: fmt.Sprintf("read response: %v", err)}
	}

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var ae apiError
		detail := truncate(string(respBody), 512)
		if json.Unmarshal(respBody, &ae) == nil && ae.Error.Message != "" {
			detail = ae.Error.Message
		}
		return classifyStatus(resp.StatusCode, ae.Error.Code, detail)
	}

	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
