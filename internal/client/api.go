// Package client provides a thin HTTP client for keepkey-monitor to talk
// to a running keepkey-host instance: the same post/get-with-error-
// preview shape used for the host's device and onboarding commands.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// APIClient talks to a keepkey-host instance's /api/v1 surface.
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient builds a client pointed at a keepkey-host listening on
// localhost:port.
func NewAPIClient(port int) *APIClient {
	return &APIClient{
		BaseURL: fmt.Sprintf("http://localhost:%d", port),
		HTTPClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Device is one entry of the enumeration returned by GET /devices.
type Device struct {
	VendorID  uint16 `json:"vendor_id"`
	ProductID uint16 `json:"product_id"`
	Key       string `json:"key"`
}

// UnmarshalJSON reads the host's transport.Descriptor encoding, whose
// fields carry no JSON tags, and derives Key the way Descriptor.Key
// does: the serial if one is known, otherwise the bus address.
func (d *Device) UnmarshalJSON(b []byte) error {
	var raw struct {
		BusAddress, Serial  string
		VendorID, ProductID uint16
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	d.VendorID, d.ProductID, d.Key = raw.VendorID, raw.ProductID, raw.Serial
	if d.Key == "" {
		d.Key = raw.BusAddress
	}
	return nil
}

// DeviceStatus mirrors hostapi.DeviceStatus.
type DeviceStatus struct {
	DeviceID              string `json:"device_id"`
	Connected             bool   `json:"connected"`
	BootloaderVersion     string `json:"bootloader_version,omitempty"`
	FirmwareVersion       string `json:"firmware_version,omitempty"`
	NeedsBootloaderUpdate bool   `json:"needs_bootloader_update"`
	NeedsFirmwareUpdate   bool   `json:"needs_firmware_update"`
	NeedsInitialization   bool   `json:"needs_initialization"`
	NeedsPINUnlock        bool   `json:"needs_pin_unlock"`
}

// BootloaderCheck mirrors hostapi.BootloaderCheck.
type BootloaderCheck struct {
	DeviceID          string `json:"device_id"`
	BootloaderVersion string `json:"bootloader_version"`
	UpToDate          bool   `json:"up_to_date"`
}

// GetConnectedDevices calls GET /devices.
func (c *APIClient) GetConnectedDevices(ctx context.Context) ([]Device, error) {
	resp, err := c.get(ctx, "/api/v1/devices")
	if err != nil {
		return nil, err
	}
	var result []Device
	if err := json.Unmarshal(*resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result, nil
}

// GetDeviceStatus calls GET /devices/:id/status.
func (c *APIClient) GetDeviceStatus(ctx context.Context, deviceID string) (*DeviceStatus, error) {
	resp, err := c.get(ctx, "/api/v1/devices/"+deviceID+"/status")
	if err != nil {
		return nil, err
	}
	var result DeviceStatus
	if err := json.Unmarshal(*resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// CheckDeviceBootloader calls GET /devices/:id/bootloader-check.
func (c *APIClient) CheckDeviceBootloader(ctx context.Context, deviceID string) (*BootloaderCheck, error) {
	resp, err := c.get(ctx, "/api/v1/devices/"+deviceID+"/bootloader-check")
	if err != nil {
		return nil, err
	}
	var result BootloaderCheck
	if err := json.Unmarshal(*resp, &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &result, nil
}

// ResetUSBSubsystem calls POST /usb/reset.
func (c *APIClient) ResetUSBSubsystem(ctx context.Context) error {
	_, err := c.post(ctx, "/api/v1/usb/reset", nil)
	return err
}

// Greet calls GET /greet/:name, a diagnostic reachability check.
func (c *APIClient) Greet(ctx context.Context, name string) (string, error) {
	resp, err := c.get(ctx, "/api/v1/greet/"+name)
	if err != nil {
		return "", err
	}
	var result struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(*resp, &result); err != nil {
		return "", fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return result.Message, nil
}

// Event is one decoded message from the /events Server-Sent Events
// stream.
type Event struct {
	Name    string
	Payload json.RawMessage
}

// StreamEvents connects to GET /events and delivers decoded events on
// the returned channel until ctx is canceled or the connection drops.
// The channel is closed on either exit.
func (c *APIClient) StreamEvents(ctx context.Context) (<-chan Event, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/api/v1/events", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event stream: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("event stream returned status %d", resp.StatusCode)
	}

	out := make(chan Event, 16)
	go func() {
		defer resp.Body.Close()
		defer close(out)

		var eventName string
		reader := bufio.NewReader(resp.Body)
		for {
			line, readErr := reader.ReadBytes('\n')
			if len(line) > 0 {
				line = bytes.TrimRight(line, "\r\n")
				switch {
				case bytes.HasPrefix(line, []byte("event:")):
					eventName = string(bytes.TrimSpace(line[len("event:"):]))
				case bytes.HasPrefix(line, []byte("data:")):
					data := bytes.TrimSpace(line[len("data:"):])
					select {
					case out <- Event{Name: eventName, Payload: json.RawMessage(append([]byte(nil), data...))}:
					case <-ctx.Done():
						return
					}
				case len(line) == 0:
					eventName = ""
				}
			}
			if readErr != nil {
				return
			}
		}
	}()
	return out, nil
}

// post makes a POST request to the host API.
func (c *APIClient) post(ctx context.Context, endpoint string, data interface{}) (*json.RawMessage, error) {
	var body io.Reader
	if data != nil {
		b, err := json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp)
}

// get makes a GET request to the host API.
func (c *APIClient) get(ctx context.Context, endpoint string) (*json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()
	return decodeOrError(resp)
}

func decodeOrError(resp *http.Response) (*json.RawMessage, error) {
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return nil, fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		preview := string(respBody)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return nil, fmt.Errorf("server returned status %d: %s", resp.StatusCode, preview)
	}

	var result json.RawMessage
	if err := json.Unmarshal(respBody, &result); err != nil {
		preview := string(respBody)
		if len(preview) > 100 {
			preview = preview[:100] + "..."
		}
		return nil, fmt.Errorf("failed to decode JSON response: %w (response: %s)", err, preview)
	}
	return &result, nil
}
