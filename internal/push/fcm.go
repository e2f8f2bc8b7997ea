// ABOUTME: Firebase Cloud Messaging sender
// ABOUTME: High-priority data+notification messages with the approval category for Android and APNs

package push

import (
	"context"
	"fmt"
	"log/slog"

	firebase "firebase.google.com/go/v4"
	"firebase.google.com/go/v4/messaging"
	"google.golang.org/api/option"
)

// fcmClient is the subset of *messaging.Client used here.
type fcmClient interface {
	Send(ctx context.Context, message *messaging.Message) (string, error)
}

// FCMSender delivers through Firebase Cloud Messaging.
type FCMSender struct {
	client fcmClient
	logger *slog.Logger
}

// NewFCMSender initializes a Firebase app from a service account file.
func NewFCMSender(ctx context.Context, credentialsFile string, logger *slog.Logger) (*FCMSender, error) {
	if logger == nil {
		logger = slog.Default()
	}
	app, err := firebase.NewApp(ctx, nil, option.WithCredentialsFile(credentialsFile))
	if err != nil {
		return nil, fmt.Errorf("initializing firebase app: %w", err)
	}
	client, err := app.Messaging(ctx)
	if err != nil {
		return nil, fmt.Errorf("getting messaging client: %w", err)
	}
	return &FCMSender{client: client, logger: logger.With("component", "push", "provider", "fcm")}, nil
}

// toFCM converts msg to the FCM wire form.
func toFCM(msg Message) *messaging.Message {
	data := make(map[string]string, len(msg.Data)+1)
	for k, v := range msg.Data {
		data[k] = v
	}
	data["category"] = msg.Category

	return &messaging.Message{
		Token: msg.Token,
		Notification: &messaging.Notification{
			Title: msg.Title,
			Body:  msg.Body,
		},
		Data: data,
		Android: &messaging.AndroidConfig{
			Priority: "high",
			Notification: &messaging.AndroidNotification{
				ChannelID:   "device_approval",
				ClickAction: msg.Category,
				Sound:       "default",
			},
		},
		APNS: &messaging.APNSConfig{
			Headers: map[string]string{
				"apns-priority":  "10",
				"apns-push-type": "alert",
			},
			Payload: &messaging.APNSPayload{
				Aps: &messaging.Aps{
					Category: msg.Category,
					Sound:    "default",
				},
			},
		},
	}
}

// Send implements Sender.
func (s *FCMSender) Send(ctx context.Context, msg Message) error {
	id, err := s.client.Send(ctx, toFCM(msg))
	if err != nil {
		if messaging.IsUnregistered(err) {
			return ErrUnregistered
		}
		return fmt.Errorf("sending FCM message: %w", err)
	}
	s.logger.Debug("push sent", "message_id", id, "category", msg.Category)
	return nil
}
