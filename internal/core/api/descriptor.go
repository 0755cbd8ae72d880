package api

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/solatis/surveykeeper/internal/core/auth"
	"github.com/solatis/surveykeeper/internal/types"
)

/*
 * ResponseAPI wire contract.
 *
 * Every method takes and returns a google.protobuf.Struct, so clients need
 * no generated code: any gRPC client that speaks the well-known types can
 * call the service. Request fields:
 *
 *   ValidateResponse  {survey_id, payload}
 *   SubmitResponse    {survey_id, payload}
 *   GetResponse       {survey_id, user_id?} | {response_id}
 *   DeleteResponse    {response_id}
 *   ExportResponses   {survey_id}
 *   GenerateReport    {emails}
 *   SendInvitations   {survey_id, emails}
 *
 * payload is the response document as a JSON object (or payload_json as a
 * string holding one).
 */

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "surveykeeper.response.v1.ResponseAPI"

// Method names.
const (
	MethodValidateResponse = "ValidateResponse"
	MethodSubmitResponse   = "SubmitResponse"
	MethodGetResponse      = "GetResponse"
	MethodDeleteResponse   = "DeleteResponse"
	MethodExportResponses  = "ExportResponses"
	MethodGenerateReport   = "GenerateReport"
	MethodSendInvitations  = "SendInvitations"
)

// FullMethod returns the gRPC path of a ResponseAPI method.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

// Permissions lists the non-admin roles allowed to call each method.
// DeleteResponse is absent and therefore admin-only.
var Permissions = auth.Permissions{
	FullMethod(MethodValidateResponse): {types.RoleRespondent, types.RoleAnalyst},
	FullMethod(MethodSubmitResponse):   {types.RoleRespondent, types.RoleAnalyst},
	FullMethod(MethodGetResponse):      {types.RoleDataViewer, types.RoleAnalyst},
	FullMethod(MethodExportResponses):  {types.RoleAnalyst},
	FullMethod(MethodGenerateReport):   {types.RoleAnalyst},
	FullMethod(MethodSendInvitations):  {types.RoleAnalyst},
}

// ResponseAPIServer is the server interface of the ResponseAPI service.
type ResponseAPIServer interface {
	ValidateResponse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SubmitResponse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetResponse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DeleteResponse(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportResponses(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GenerateReport(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SendInvitations(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type unaryMethod func(ResponseAPIServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func methodDesc(name string, call unaryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			server := srv.(ResponseAPIServer)
			if interceptor == nil {
				return call(server, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(server, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the ResponseAPI service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ResponseAPIServer)(nil),
	Methods: []grpc.MethodDesc{
		methodDesc(MethodValidateResponse, ResponseAPIServer.ValidateResponse),
		methodDesc(MethodSubmitResponse, ResponseAPIServer.SubmitResponse),
		methodDesc(MethodGetResponse, ResponseAPIServer.GetResponse),
		methodDesc(MethodDeleteResponse, ResponseAPIServer.DeleteResponse),
		methodDesc(MethodExportResponses, ResponseAPIServer.ExportResponses),
		methodDesc(MethodGenerateReport, ResponseAPIServer.GenerateReport),
		methodDesc(MethodSendInvitations, ResponseAPIServer.SendInvitations),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "surveykeeper/response/v1/response_api.proto",
}

// RegisterResponseAPIServer registers srv with s.
func RegisterResponseAPIServer(s grpc.ServiceRegistrar, srv ResponseAPIServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Request field accessors. Struct numbers are doubles, so integer ids must be
// whole and within the int64 range.

func intField(req *structpb.Struct, key string) (int64, bool, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return 0, false, nil
	}
	n, isNum := v.GetKind().(*structpb.Value_NumberValue)
	if !isNum {
		return 0, true, invalidArgument("%s must be a number", key)
	}
	f := n.NumberValue
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, true, invalidArgument("%s must be an integer", key)
	}
	return int64(f), true, nil
}

func surveyIDField(req *structpb.Struct) (types.SurveyID, error) {
	id, ok, err := intField(req, "survey_id")
	if err != nil {
		return 0, err
	}
	if !ok || id <= 0 {
		return 0, invalidArgument("survey_id is required")
	}
	return types.SurveyID(id), nil
}

func stringField(req *structpb.Struct, key string) (string, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return "", nil
	}
	s, isStr := v.GetKind().(*structpb.Value_StringValue)
	if !isStr {
		return "", invalidArgument("%s must be a string", key)
	}
	return s.StringValue, nil
}

func stringsField(req *structpb.Struct, key string) ([]string, error) {
	v, ok := req.GetFields()[key]
	if !ok {
		return nil, nil
	}
	list := v.GetListValue()
	if list == nil {
		return nil, invalidArgument("%s must be a list of strings", key)
	}
	out := make([]string, 0, len(list.GetValues()))
	for _, item := range list.GetValues() {
		s, isStr := item.GetKind().(*structpb.Value_StringValue)
		if !isStr {
			return nil, invalidArgument("%s must be a list of strings", key)
		}
		out = append(out, s.StringValue)
	}
	return out, nil
}

// payloadField returns the response document as JSON.
func payloadField(req *structpb.Struct) ([]byte, error) {
	if raw, err := stringField(req, "payload_json"); err != nil {
		return nil, err
	} else if raw != "" {
		return []byte(raw), nil
	}
	v, ok := req.GetFields()["payload"]
	if !ok {
		return nil, invalidArgument("payload is required")
	}
	data, err := protojson.Marshal(v)
	if err != nil {
		return nil, invalidArgument("payload: %v", err)
	}
	return data, nil
}

// newStruct builds a response body from plain Go values.
func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, fmt.Errorf("encode response: %w", err)
	}
	return s, nil
}
