package server

// ============================================================================
// Wire codec
// Purpose: Translate between google.protobuf.Struct messages and the
//          registry/backend types
// ============================================================================

import (
	"fmt"
	"math"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ChuLiYu/multiworld/internal/backend"
	"github.com/ChuLiYu/multiworld/internal/world"
	"github.com/ChuLiYu/multiworld/pkg/types"
)

// Field names shared by requests and responses.
const (
	fieldIndex     = "index"
	fieldRank      = "rank"
	fieldSize      = "size"
	fieldBackend   = "backend"
	fieldPeers     = "peers"
	fieldID        = "id"
	fieldStatus    = "status"
	fieldNodeID    = "node_id"
	fieldWorlds    = "worlds"
	fieldCreatedAt = "created_at"
	fieldKind      = "kind"
	fieldPeer      = "peer"
	fieldOp        = "op"
	fieldData      = "data"
	fieldChunks    = "chunks"
	fieldGathered  = "gathered"
	fieldSource    = "source"
)

// ============================================================================
// Field readers
// ============================================================================

func intField(s *structpb.Struct, key string) (int, bool, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return 0, false, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, true, fmt.Errorf("field %q: expected number", key)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f > math.MaxInt32 || f < math.MinInt32 {
		return 0, true, fmt.Errorf("field %q: %v is not an integer", key, f)
	}
	return int(f), true, nil
}

func requiredInt(s *structpb.Struct, key string) (int, error) {
	n, ok, err := intField(s, key)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, fmt.Errorf("field %q is required", key)
	}
	return n, nil
}

func stringField(s *structpb.Struct, key string) (string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return "", nil
	}
	str, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", fmt.Errorf("field %q: expected string", key)
	}
	return str.StringValue, nil
}

func stringsField(s *structpb.Struct, key string) ([]string, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %q: expected list", key)
	}
	out := make([]string, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		str, isStr := item.GetKind().(*structpb.Value_StringValue)
		if !isStr {
			return nil, fmt.Errorf("field %q[%d]: expected string", key, i)
		}
		out = append(out, str.StringValue)
	}
	return out, nil
}

func floatsOf(v *structpb.Value, key string) ([]float64, error) {
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %q: expected list", key)
	}
	out := make([]float64, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		n, isNum := item.GetKind().(*structpb.Value_NumberValue)
		if !isNum {
			return nil, fmt.Errorf("field %q[%d]: expected number", key, i)
		}
		out = append(out, n.NumberValue)
	}
	return out, nil
}

func floatsField(s *structpb.Struct, key string) ([]float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	return floatsOf(v, key)
}

func matrixField(s *structpb.Struct, key string) ([][]float64, error) {
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, fmt.Errorf("field %q: expected list of lists", key)
	}
	out := make([][]float64, 0, len(list.GetValues()))
	for i, row := range list.GetValues() {
		vec, err := floatsOf(row, fmt.Sprintf("%s[%d]", key, i))
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

// ============================================================================
// Value builders
// ============================================================================

func floatsValue(data []float64) []any {
	out := make([]any, len(data))
	for i, f := range data {
		out[i] = f
	}
	return out
}

func matrixValue(rows [][]float64) []any {
	out := make([]any, len(rows))
	for i, row := range rows {
		out[i] = floatsValue(row)
	}
	return out
}

func stringsValue(items []string) []any {
	out := make([]any, len(items))
	for i, s := range items {
		out[i] = s
	}
	return out
}

// ============================================================================
// Messages
// ============================================================================

func encodeWorldID(id types.WorldID) map[string]any {
	return map[string]any{fieldIndex: id.Index, fieldRank: id.Rank}
}

func decodeWorldID(s *structpb.Struct) (types.WorldID, error) {
	index, err := requiredInt(s, fieldIndex)
	if err != nil {
		return types.WorldID{}, err
	}
	rank, err := requiredInt(s, fieldRank)
	if err != nil {
		return types.WorldID{}, err
	}
	return types.WorldID{Index: index, Rank: rank}, nil
}

func encodeStatus(id types.WorldID, status types.WorldStatus) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{
		fieldID:     id.String(),
		fieldStatus: string(status),
	})
}

func decodeStatus(s *structpb.Struct) (types.WorldStatus, error) {
	status, err := stringField(s, fieldStatus)
	if err != nil {
		return "", err
	}
	return types.WorldStatus(status), nil
}

type createRequest struct {
	ID      types.WorldID
	Size    int
	Backend string
	Peers   []string
}

func encodeCreate(req createRequest) (*structpb.Struct, error) {
	m := encodeWorldID(req.ID)
	m[fieldSize] = req.Size
	m[fieldBackend] = req.Backend
	if len(req.Peers) > 0 {
		m[fieldPeers] = stringsValue(req.Peers)
	}
	return structpb.NewStruct(m)
}

func decodeCreate(s *structpb.Struct) (createRequest, error) {
	var req createRequest
	var err error
	if req.ID, err = decodeWorldID(s); err != nil {
		return req, err
	}
	if req.Size, err = requiredInt(s, fieldSize); err != nil {
		return req, err
	}
	if req.Backend, err = stringField(s, fieldBackend); err != nil {
		return req, err
	}
	if req.Backend == "" {
		req.Backend = backend.MemoryKind
	}
	req.Peers, err = stringsField(s, fieldPeers)
	return req, err
}

func encodeInfo(info world.WorldInfo) map[string]any {
	m := encodeWorldID(info.ID)
	m[fieldID] = info.ID.String()
	m[fieldSize] = info.Size
	m[fieldBackend] = info.Backend
	m[fieldStatus] = string(info.Status)
	if !info.CreatedAt.IsZero() {
		m[fieldCreatedAt] = info.CreatedAt.UTC().Format(time.RFC3339Nano)
	}
	return m
}

func decodeInfo(s *structpb.Struct) (world.WorldInfo, error) {
	var info world.WorldInfo
	var err error
	if info.ID, err = decodeWorldID(s); err != nil {
		return info, err
	}
	if info.Size, _, err = intField(s, fieldSize); err != nil {
		return info, err
	}
	info.Rank = info.ID.Rank
	if info.Backend, err = stringField(s, fieldBackend); err != nil {
		return info, err
	}
	status, err := stringField(s, fieldStatus)
	if err != nil {
		return info, err
	}
	info.Status = types.WorldStatus(status)
	created, err := stringField(s, fieldCreatedAt)
	if err != nil {
		return info, err
	}
	if created != "" {
		if info.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
			return info, fmt.Errorf("field %q: %w", fieldCreatedAt, err)
		}
	}
	return info, nil
}

func encodeList(nodeID string, infos []world.WorldInfo) (*structpb.Struct, error) {
	worlds := make([]any, len(infos))
	for i, info := range infos {
		worlds[i] = encodeInfo(info)
	}
	return structpb.NewStruct(map[string]any{
		fieldNodeID: nodeID,
		fieldWorlds: worlds,
	})
}

func decodeList(s *structpb.Struct) (string, []world.WorldInfo, error) {
	nodeID, err := stringField(s, fieldNodeID)
	if err != nil {
		return "", nil, err
	}
	v, ok := s.GetFields()[fieldWorlds]
	if !ok {
		return nodeID, nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return "", nil, fmt.Errorf("field %q: expected list", fieldWorlds)
	}
	infos := make([]world.WorldInfo, 0, len(list.GetValues()))
	for i, item := range list.GetValues() {
		info, err := decodeInfo(item.GetStructValue())
		if err != nil {
			return "", nil, fmt.Errorf("%s[%d]: %w", fieldWorlds, i, err)
		}
		infos = append(infos, info)
	}
	return nodeID, infos, nil
}

func encodeExecute(id types.WorldID, req backend.Request) (*structpb.Struct, error) {
	m := encodeWorldID(id)
	m[fieldKind] = string(req.Kind)
	m[fieldPeer] = req.Peer
	if req.Op != "" {
		m[fieldOp] = string(req.Op)
	}
	if req.Data != nil {
		m[fieldData] = floatsValue(req.Data)
	}
	if req.Chunks != nil {
		m[fieldChunks] = matrixValue(req.Chunks)
	}
	return structpb.NewStruct(m)
}

func decodeExecute(s *structpb.Struct) (types.WorldID, backend.Request, error) {
	var req backend.Request
	id, err := decodeWorldID(s)
	if err != nil {
		return id, req, err
	}
	kind, err := stringField(s, fieldKind)
	if err != nil {
		return id, req, err
	}
	if req.Kind, err = types.ParseOpKind(kind); err != nil {
		return id, req, err
	}
	peer, ok, err := intField(s, fieldPeer)
	if err != nil {
		return id, req, err
	}
	req.Peer = types.NoPeer
	if ok {
		req.Peer = peer
	}
	op, err := stringField(s, fieldOp)
	if err != nil {
		return id, req, err
	}
	if req.Kind == types.OpReduce || req.Kind == types.OpAllReduce {
		if req.Op, err = types.ParseReduceOp(op); err != nil {
			return id, req, err
		}
	}
	if req.Data, err = floatsField(s, fieldData); err != nil {
		return id, req, err
	}
	req.Chunks, err = matrixField(s, fieldChunks)
	return id, req, err
}

func encodeResult(res backend.Result) (*structpb.Struct, error) {
	m := map[string]any{fieldSource: res.Source}
	if res.Data != nil {
		m[fieldData] = floatsValue(res.Data)
	}
	if res.Gathered != nil {
		m[fieldGathered] = matrixValue(res.Gathered)
	}
	return structpb.NewStruct(m)
}

func decodeResult(s *structpb.Struct) (backend.Result, error) {
	var res backend.Result
	var err error
	if res.Source, _, err = intField(s, fieldSource); err != nil {
		return res, err
	}
	if res.Data, err = floatsField(s, fieldData); err != nil {
		return res, err
	}
	res.Gathered, err = matrixField(s, fieldGathered)
	return res, err
}
