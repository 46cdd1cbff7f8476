package wire

import (
	"encoding/json"
	"fmt"
)

// Methods understood by federation indexer servers. Requests carry an
// integer correlation id; notification frames reuse the subscription
// method name and carry no id.
const (
	MethodServerVersion    = "server.version"
	MethodGetBalance       = "address.get_balance"
	MethodSubscribeAddress = "address.subscribe"
	MethodGetTransaction   = "tx.get"
)

// RPCError is an error returned by an indexer server inside a response frame.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// Request is an outbound call frame.
type Request struct {
	ID     int64           `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is a reply frame correlated to a Request by id.
type Response struct {
	ID     int64           `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *RPCError       `json:"error,omitempty"`
}

// Notification is an unsolicited frame for a subscribed topic.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Message is the tagged variant produced by Parse: exactly one of
// Response or Notification is non-nil.
type Message struct {
	Response     *Response
	Notification *Notification
}

// Parse classifies a raw inbound frame. Frames carrying an "id" field are
// responses, frames carrying only a method are notifications. Anything else
// is a protocol violation.
func Parse(raw []byte) (Message, error) {
	var probe struct {
		ID     *int64          `json:"id"`
		Method string          `json:"method"`
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
		Params json.RawMessage `json:"params"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return Message{}, fmt.Errorf("malformed frame: %w", err)
	}

	if probe.ID != nil {
		return Message{Response: &Response{
			ID:     *probe.ID,
			Result: probe.Result,
			Error:  probe.Error,
		}}, nil
	}

	if probe.Method != "" {
		return Message{Notification: &Notification{
			Method: probe.Method,
			Params: probe.Params,
		}}, nil
	}

	return Message{}, fmt.Errorf("frame is neither response nor notification")
}

// EncodeRequest marshals a request into a newline-terminated frame.
func EncodeRequest(req Request) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}
	return append(data, '\n'), nil
}

// VersionResult is the payload of a server.version response.
type VersionResult struct {
	Server   string `json:"server"`
	Protocol string `json:"protocol"`
}

// BalanceResult is the payload of an address.get_balance response.
// Amounts are decimal strings in coin units.
type BalanceResult struct {
	Confirmed     string `json:"confirmed"`
	Unconfirmed   string `json:"unconfirmed"`
	Confirmations int    `json:"confirmations"`
}

// AddressStatus is the payload of an address.subscribe notification
// and of the initial subscribe response. TxID identifies the transaction
// that most recently touched the address, when the server reports one.
type AddressStatus struct {
	Address       string `json:"address"`
	Confirmed     string `json:"confirmed"`
	Unconfirmed   string `json:"unconfirmed"`
	Confirmations int    `json:"confirmations"`
	TxID          string `json:"txid,omitempty"`
}

// Transaction is the payload of a tx.get response.
type Transaction struct {
	TxID          string `json:"txid"`
	Hex           string `json:"hex,omitempty"`
	BlockHeight   int64  `json:"block_height"`
	Confirmations int    `json:"confirmations"`
}
