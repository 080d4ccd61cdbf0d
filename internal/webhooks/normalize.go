package webhooks

import (
	"encoding/json"
	"errors"

	"merchapi/internal/model"
)

// NormalizePing reduces a payment-provider payload to an Event. The order is
// correlated through metadata.orderId when present, otherwise through the
// checkout session id.
func NormalizePing(body []byte) (Event, error) {
	var p struct {
		Type      string `json:"type"`
		SessionID string `json:"sessionId"`
		Metadata  struct {
			OrderID string `json:"orderId"`
		} `json:"metadata"`
		Data struct {
			SessionID string         `json:"sessionId"`
			PaymentID string         `json:"paymentId"`
			Metadata  map[string]any `json:"metadata"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, &ParseError{Provider: model.ProviderPingPay, Err: err}
	}
	if p.Type == "" {
		return Event{}, &ParseError{Provider: model.ProviderPingPay, Err: errors.New("missing type")}
	}
	ev := Event{Provider: model.ProviderPingPay, RawType: p.Type}
	ev.SessionID = p.SessionID
	if ev.SessionID == "" {
		ev.SessionID = p.Data.SessionID
	}
	ev.OrderID = p.Metadata.OrderID
	if ev.OrderID == "" {
		if id, ok := p.Data.Metadata["orderId"].(string); ok {
			ev.OrderID = id
		}
	}
	switch p.Type {
	case "payment.success", "checkout.session.completed":
		ev.Type = EventPaymentSucceeded
	case "payment.failed":
		ev.Type = EventPaymentFailed
	case "checkout.session.expired":
		ev.Type = EventSessionExpired
	default:
		ev.Type = EventUnknown
	}
	return ev, nil
}

// NormalizePrintful reduces a Printful payload to an Event. external_id is
// our order id, echoed back from sub-order creation.
func NormalizePrintful(body []byte) (Event, error) {
	var p struct {
		Type string `json:"type"`
		Data struct {
			Reason   string `json:"reason"`
			Shipment struct {
				Carrier        string `json:"carrier"`
				Service        string `json:"service"`
				TrackingNumber string `json:"tracking_number"`
				TrackingURL    string `json:"tracking_url"`
			} `json:"shipment"`
			Order struct {
				ExternalID string `json:"external_id"`
			} `json:"order"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, &ParseError{Provider: model.ProviderPrintful, Err: err}
	}
	if p.Type == "" {
		return Event{}, &ParseError{Provider: model.ProviderPrintful, Err: errors.New("missing type")}
	}
	ev := Event{
		Provider:  model.ProviderPrintful,
		RawType:   p.Type,
		OrderID:   p.Data.Order.ExternalID,
		Reference: p.Data.Order.ExternalID,
		Reason:    p.Data.Reason,
	}
	switch p.Type {
	case "package_shipped":
		ev.Type = EventShipmentCreated
		if p.Data.Shipment.TrackingNumber != "" {
			ev.Tracking = &model.TrackingInfo{
				TrackingCode:       p.Data.Shipment.TrackingNumber,
				TrackingURL:        p.Data.Shipment.TrackingURL,
				Carrier:            p.Data.Shipment.Carrier,
				ShipmentMethodName: p.Data.Shipment.Service,
			}
		}
	case "package_returned":
		ev.Type = EventOrderFailed
		if ev.Reason == "" {
			ev.Reason = "package returned to sender"
		}
	case "order_created":
		ev.Type = EventOrderAccepted
	case "order_canceled":
		ev.Type = EventOrderCanceled
	case "order_put_hold":
		ev.Type = EventOrderOnHold
	case "order_failed":
		ev.Type = EventOrderFailed
	default:
		ev.Type = EventUnknown
	}
	return ev, nil
}

// NormalizeGelato reduces a Gelato payload to an Event. Gelato reports one
// order_status_updated event whose fulfillmentStatus carries the transition;
// orderReferenceId is our order id.
func NormalizeGelato(body []byte) (Event, error) {
	var p struct {
		Event             string `json:"event"`
		OrderReferenceID  string `json:"orderReferenceId"`
		FulfillmentStatus string `json:"fulfillmentStatus"`
		Comment           string `json:"comment"`
		Items             []struct {
			TrackingCodes []struct {
				Code               string `json:"code"`
				URL                string `json:"url"`
				ShipmentMethodName string `json:"shipmentMethodName"`
			} `json:"trackingCodes"`
		} `json:"items"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Event{}, &ParseError{Provider: model.ProviderGelato, Err: err}
	}
	if p.Event == "" {
		return Event{}, &ParseError{Provider: model.ProviderGelato, Err: errors.New("missing event")}
	}
	ev := Event{
		Provider:  model.ProviderGelato,
		RawType:   p.Event + ":" + p.FulfillmentStatus,
		OrderID:   p.OrderReferenceID,
		Reference: p.OrderReferenceID,
		Reason:    p.Comment,
	}
	if p.Event != "order_status_updated" {
		ev.Type = EventUnknown
		return ev, nil
	}
	switch p.FulfillmentStatus {
	case "shipped":
		ev.Type = EventShipmentCreated
		for _, it := range p.Items {
			if len(it.TrackingCodes) == 0 {
				continue
			}
			tc := it.TrackingCodes[0]
			ev.Tracking = &model.TrackingInfo{
				TrackingCode:       tc.Code,
				TrackingURL:        tc.URL,
				ShipmentMethodName: tc.ShipmentMethodName,
			}
			break
		}
	case "delivered":
		ev.Type = EventDelivered
	case "printed":
		ev.Type = EventOrderAccepted
	case "canceled":
		ev.Type = EventOrderCanceled
	case "failed":
		ev.Type = EventOrderFailed
	default:
		ev.Type = EventUnknown
	}
	return ev, nil
}
