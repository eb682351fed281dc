// Package bridgepb defines the control-plane contract between the Call
// Orchestrator and the SIP/Media Bridge Adapter, mirroring the split the
// teacher keeps between its signaling service and its rtpmanager service
// (services/signaling/transport + the rtpmanager gRPC server it dials).
//
// Messages are plain Go structs carried over google.golang.org/grpc using
// the jsonCodec registered in init(): the engine's protoc toolchain isn't
// part of this build, so the wire envelope is JSON-over-gRPC (a supported,
// documented grpc-go extension point) rather than compiled .proto stubs.
// Wall-clock fields are plain time.Time values, encoded by encoding/json.
package bridgepb

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

const codecName = "json"

type jsonCodec struct{}

func (jsonCodec) Marshal(v interface{}) ([]byte, error) { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v interface{}) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
