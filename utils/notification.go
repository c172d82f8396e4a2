package utils

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"
)

const defaultExpoPushURL = "https://exp.host/--/api/v2/push/send"

var pushClient = &http.Client{Timeout: 10 * time.Second}

type expoPushMessage struct {
	To    string            `json:"to"`
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
	Sound string            `json:"sound"`
}

// SendNotification delivers a push message to a single Expo push token.
// Delivery is best-effort; callers log and move on when it fails.
func SendNotification(token, title, body string, data map[string]string) error {
	pushURL := os.Getenv("EXPO_PUSH_URL")
	if pushURL == "" {
		pushURL = defaultExpoPushURL
	}

	payload, err := json.Marshal(expoPushMessage{
		To:    token,
		Title: title,
		Body:  body,
		Data:  data,
		Sound: "default",
	})
	if err != nil {
		return err
	}

	resp, err := pushClient.Post(pushURL, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("push service returned status %d", resp.StatusCode)
	}
	return nil
}
