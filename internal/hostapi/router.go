package hostapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"keepkeyhost/internal/errs"
	"keepkeyhost/internal/registry"
)

// RegisterRoutes mounts every host command under /api/v1, grouped the
// same way the gin engine built in cmd/keepkey-host is configured:
// gin.New()+gin.Recovery() with routes grouped by concern.
func (s *Surface) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")
	{
		api.GET("/events", s.handleEvents)

		api.GET("/devices", s.handleGetConnectedDevices)
		api.GET("/devices/:id/features", s.handleGetFeatures)
		api.GET("/devices/:id/status", s.handleGetDeviceStatus)
		api.GET("/devices/:id/bootloader-check", s.handleCheckDeviceBootloader)

		api.POST("/devices/:id/register", s.handleRegisterDevice)
		api.GET("/devices/registry", s.handleGetDeviceRegistry)
		api.GET("/devices/:id/registry", s.handleGetDeviceFromRegistry)
		api.POST("/devices/:id/setup-step", s.handleUpdateDeviceSetupStep)
		api.POST("/devices/:id/setup-complete", s.handleMarkDeviceSetupComplete)
		api.GET("/devices/:id/needs-setup", s.handleDeviceNeedsSetup)
		api.GET("/devices/incomplete-setup", s.handleGetIncompleteSetupDevices)
		api.POST("/devices/:id/reset-setup", s.handleResetDeviceSetup)
		api.GET("/devices/:id/eth-address", s.handleGetDeviceEthAddress)

		api.POST("/devices/:id/update-bootloader", s.handleUpdateDeviceBootloader)
		api.POST("/devices/:id/update-firmware", s.handleUpdateDeviceFirmware)

		api.POST("/frontend-ready", s.handleFrontendReady)
		api.GET("/onboarding/first-time-install", s.handleIsFirstTimeInstall)
		api.GET("/onboarding/status", s.handleIsOnboarded)
		api.POST("/onboarding/complete", s.handleSetOnboardingCompleted)
		api.GET("/onboarding/debug", s.handleDebugOnboardingState)

		api.GET("/preferences/:key", s.handleGetPreference)
		api.POST("/preferences/:key", s.handleSetPreference)

		api.POST("/usb/reset", s.handleResetUSBSubsystem)
		api.GET("/greet/:name", s.handleGreet)
	}
}

func (s *Surface) handleEvents(c *gin.Context) {
	s.readyOnce.Do(func() { s.bus.FrontendReady(s.hub) })

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	c.Stream(func(w io.Writer) bool {
		select {
		case msg, ok := <-ch:
			if !ok {
				return false
			}
			data, _ := json.Marshal(msg.Payload)
			c.SSEvent(msg.Name, string(data))
			return true
		case <-c.Request.Context().Done():
			return false
		}
	})
}

func (s *Surface) handleGetConnectedDevices(c *gin.Context) {
	devices, err := s.GetConnectedDevices()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Surface) handleGetFeatures(c *gin.Context) {
	payload, err := s.GetFeatures(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", payload)
}

func (s *Surface) handleGetDeviceStatus(c *gin.Context) {
	status, err := s.GetDeviceStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Surface) handleCheckDeviceBootloader(c *gin.Context) {
	check, err := s.CheckDeviceBootloader(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (s *Surface) handleRegisterDevice(c *gin.Context) {
	var rec registry.DeviceRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	rec.DeviceID = c.Param("id")
	if err := s.RegisterDevice(rec); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"registered": true})
}

func (s *Surface) handleGetDeviceRegistry(c *gin.Context) {
	devices, err := s.GetDeviceRegistry()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Surface) handleGetDeviceFromRegistry(c *gin.Context) {
	d, err := s.GetDeviceFromRegistry(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

func (s *Surface) handleUpdateDeviceSetupStep(c *gin.Context) {
	var body struct {
		Step int `json:"step"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.UpdateDeviceSetupStep(c.Param("id"), registry.SetupStep(body.Step)); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"updated": true})
}

func (s *Surface) handleMarkDeviceSetupComplete(c *gin.Context) {
	if err := s.MarkDeviceSetupComplete(c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"setup_complete": true})
}

func (s *Surface) handleDeviceNeedsSetup(c *gin.Context) {
	needs, err := s.DeviceNeedsSetup(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"needs_setup": needs})
}

func (s *Surface) handleGetIncompleteSetupDevices(c *gin.Context) {
	devices, err := s.GetIncompleteSetupDevices()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, devices)
}

func (s *Surface) handleResetDeviceSetup(c *gin.Context) {
	if err := s.ResetDeviceSetup(c.Param("id")); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *Surface) handleGetDeviceEthAddress(c *gin.Context) {
	addr, err := s.GetDeviceEthAddress(c.Param("id"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"eth_address": addr})
}

func (s *Surface) handleUpdateDeviceBootloader(c *gin.Context) {
	s.UpdateDeviceBootloader(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"update_in_progress": true})
}

func (s *Surface) handleUpdateDeviceFirmware(c *gin.Context) {
	s.UpdateDeviceFirmware(c.Param("id"))
	c.JSON(http.StatusOK, gin.H{"update_in_progress": true})
}

func (s *Surface) handleFrontendReady(c *gin.Context) {
	s.FrontendReady()
	c.JSON(http.StatusOK, gin.H{"ready": true})
}

func (s *Surface) handleIsFirstTimeInstall(c *gin.Context) {
	first, err := s.IsFirstTimeInstall()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"first_time_install": first})
}

func (s *Surface) handleIsOnboarded(c *gin.Context) {
	onboarded, err := s.IsOnboarded()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"onboarded": onboarded})
}

func (s *Surface) handleSetOnboardingCompleted(c *gin.Context) {
	if err := s.SetOnboardingCompleted(); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"onboarding_completed": true})
}

func (s *Surface) handleDebugOnboardingState(c *gin.Context) {
	state, err := s.DebugOnboardingState()
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, state)
}

func (s *Surface) handleGetPreference(c *gin.Context) {
	v, ok, err := s.GetPreference(c.Param("key"))
	if err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"value": v, "set": ok})
}

func (s *Surface) handleSetPreference(c *gin.Context) {
	var body struct {
		Value string `json:"value"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if err := s.SetPreference(c.Param("key"), body.Value); err != nil {
		writeErr(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"set": true})
}

func (s *Surface) handleResetUSBSubsystem(c *gin.Context) {
	s.ResetUSBSubsystem()
	c.JSON(http.StatusOK, gin.H{"reset": true})
}

func (s *Surface) handleGreet(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"message": s.Greet(c.Param("name"))})
}

// writeErr maps a typed *errs.Error to a stable HTTP status and message
// so UI test assertions can string-match them.
func writeErr(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	if errs.Is(err, errs.KindDeviceNotFound) {
		status = http.StatusNotFound
	} else if errs.Is(err, errs.KindValidation) || errs.Is(err, errs.KindInvalidData) {
		status = http.StatusBadRequest
	} else if errs.Is(err, errs.KindSecurity) {
		status = http.StatusForbidden
	}
	c.JSON(status, gin.H{"error": err.Error()})
}
