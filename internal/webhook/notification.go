// Package webhook receives payment provider notifications.
package webhook

import (
	"bytes"
	"encoding/json"
	"net/url"
	"strings"
)

const TopicPayment = "payment"

// Notification is a provider delivery reduced to what the service needs.
// Providers send several shapes: the legacy feed puts topic and id in the
// query, webhooks post {type|action, data:{id}} and repeat data.id in the
// query.
type Notification struct {
	Topic      string
	ResourceID string
	// Идентификатор из query, который провайдер включает в подпись
	SignedID string
	OrderID  string
}

type flexID string

func (id *flexID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = flexID(s)
		return nil
	}
	if bytes.Equal(b, []byte("null")) {
		*id = ""
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*id = flexID(n.String())
	return nil
}

type body struct {
	Type   string `json:"type"`
	Topic  string `json:"topic"`
	Action string `json:"action"`
	ID     flexID `json:"id"`
	Data   struct {
		ID flexID `json:"id"`
	} `json:"data"`
}

// ParseNotification merges the query string and the optional JSON body.
// A body that is not JSON is ignored.
func ParseNotification(query url.Values, raw []byte) Notification {
	var b body
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &b); err != nil {
			b = body{}
		}
	}

	n := Notification{
		SignedID: first(query.Get("data.id"), query.Get("id")),
		OrderID:  first(query.Get("orderId"), query.Get("order_id")),
	}
	// Тело не подписано: его идентификатор берется, только если в query нет своего
	n.ResourceID = first(n.SignedID, string(b.Data.ID), string(b.ID))
	n.Topic = normalizeTopic(first(b.Type, b.Topic, query.Get("type"), query.Get("topic"), b.Action))
	return n
}

// normalizeTopic maps actions such as payment.updated to their topic.
func normalizeTopic(topic string) string {
	topic = strings.ToLower(strings.TrimSpace(topic))
	if prefix, _, found := strings.Cut(topic, "."); found {
		return prefix
	}
	return topic
}

func first(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
