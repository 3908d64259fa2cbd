package api

import (
	"context"
	"encoding/base64"
	"errors"
	"unicode/utf8"

	"fiscalprint/internal/bridge"
	"fiscalprint/internal/models"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const BridgeServiceName = "fiscalprint.bridge.v1.PrinterBridge"

const (
	MethodGetPrinters      = "/" + BridgeServiceName + "/GetPrinters"
	MethodGetPrinterStatus = "/" + BridgeServiceName + "/GetPrinterStatus"
	MethodPrintDocument    = "/" + BridgeServiceName + "/PrintDocument"
	MethodPrintToPDF       = "/" + BridgeServiceName + "/PrintToPDF"
)

// Operation names accepted on the bridge channel, mapped to their gRPC methods.
// Nothing else may cross it.
var allowedOperations = map[string]string{
	"getPrinters":      MethodGetPrinters,
	"getPrinterStatus": MethodGetPrinterStatus,
	"printDocument":    MethodPrintDocument,
	"printToPDF":       MethodPrintToPDF,
}

var allowedMethods = func() map[string]string {
	m := make(map[string]string, len(allowedOperations))
	for op, method := range allowedOperations {
		m[method] = op
	}
	return m
}()

// PrinterBridgeServer is the server side of the bridge channel.
type PrinterBridgeServer interface {
	GetPrinters(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetPrinterStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PrintDocument(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PrintToPDF(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type bridgeMethod func(PrinterBridgeServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, call bridgeMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(PrinterBridgeServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(PrinterBridgeServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// PrinterBridgeServiceDesc describes the bridge service. Bodies are
// google.protobuf.Struct so both ends share only the field names.
var PrinterBridgeServiceDesc = grpc.ServiceDesc{
	ServiceName: BridgeServiceName,
	HandlerType: (*PrinterBridgeServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetPrinters", Handler: unaryHandler(MethodGetPrinters, PrinterBridgeServer.GetPrinters)},
		{MethodName: "GetPrinterStatus", Handler: unaryHandler(MethodGetPrinterStatus, PrinterBridgeServer.GetPrinterStatus)},
		{MethodName: "PrintDocument", Handler: unaryHandler(MethodPrintDocument, PrinterBridgeServer.PrintDocument)},
		{MethodName: "PrintToPDF", Handler: unaryHandler(MethodPrintToPDF, PrinterBridgeServer.PrintToPDF)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "fiscalprint/bridge/v1/bridge.proto",
}

func RegisterPrinterBridgeServer(s grpc.ServiceRegistrar, srv PrinterBridgeServer) {
	s.RegisterService(&PrinterBridgeServiceDesc, srv)
}

// BridgeService exposes a local bridge.Bridge over gRPC.
type BridgeService struct {
	bridge bridge.Bridge
}

func NewBridgeService(b bridge.Bridge) *BridgeService {
	return &BridgeService{bridge: b}
}

func (s *BridgeService) GetPrinters(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	printers := s.bridge.ListPrinters(ctx)
	list := make([]any, 0, len(printers))
	for _, p := range printers {
		list = append(list, map[string]any{"name": p.Name, "status": p.Status, "isDefault": p.IsDefault})
	}
	return newStruct(map[string]any{"printers": list})
}

func (s *BridgeService) GetPrinterStatus(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := stringField(in, "name")
	if name == "" {
		return nil, status.Error(codes.InvalidArgument, "name is required")
	}
	return newStruct(map[string]any{"status": s.bridge.GetPrinterStatus(ctx, name)})
}

func (s *BridgeService) PrintDocument(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	printer := stringField(in, "printerName")
	if printer == "" {
		return nil, status.Error(codes.InvalidArgument, "printerName is required")
	}
	data, err := decodeData(in)
	if err != nil {
		return nil, err
	}

	opts := bridge.PrintOptions{Copies: int(numberField(structField(in, "options"), "copies"))}
	if err := s.bridge.PrintDocument(ctx, printer, data, opts); err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(map[string]any{"success": true})
}

func (s *BridgeService) PrintToPDF(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	data, err := decodeData(in)
	if err != nil {
		return nil, err
	}

	options := structField(in, "options")
	opts := bridge.PDFOptions{
		PrintBackground: boolField(options, "printBackground"),
		PageSize:        stringField(options, "pageSize"),
	}
	path, err := s.bridge.PrintToPDF(ctx, data, opts)
	if err != nil {
		return nil, toStatus(ctx, err)
	}
	return newStruct(map[string]any{"success": true, "filePath": path})
}

func toStatus(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, bridge.ErrRendererUnavailable):
		return status.Error(codes.Unavailable, err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, err.Error())
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// encodeData puts text in "data" and anything else in "dataBase64".
func encodeData(fields map[string]any, data []byte) {
	if utf8.Valid(data) {
		fields["data"] = string(data)
		return
	}
	fields["dataBase64"] = base64.StdEncoding.EncodeToString(data)
}

func decodeData(in *structpb.Struct) ([]byte, error) {
	if raw := stringField(in, "dataBase64"); raw != "" {
		data, err := base64.StdEncoding.DecodeString(raw)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, "dataBase64 is not valid base64")
		}
		return data, nil
	}
	v, ok := in.GetFields()["data"]
	if !ok {
		return nil, status.Error(codes.InvalidArgument, "data is required")
	}
	switch kind := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		return []byte(kind.StringValue), nil
	case *structpb.Value_StructValue, *structpb.Value_ListValue:
		// Already-structured payloads are forwarded as JSON text.
		return v.MarshalJSON()
	default:
		return nil, status.Error(codes.InvalidArgument, "data must be a string or an object")
	}
}

func newStruct(fields map[string]any) (*structpb.Struct, error) {
	s, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return s, nil
}

func stringField(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func numberField(s *structpb.Struct, key string) float64 {
	return s.GetFields()[key].GetNumberValue()
}

func boolField(s *structpb.Struct, key string) bool {
	return s.GetFields()[key].GetBoolValue()
}

func structField(s *structpb.Struct, key string) *structpb.Struct {
	return s.GetFields()[key].GetStructValue()
}

func printersFromStruct(s *structpb.Struct) []models.PrinterInfo {
	values := s.GetFields()["printers"].GetListValue().GetValues()
	printers := make([]models.PrinterInfo, 0, len(values))
	for _, v := range values {
		p := v.GetStructValue()
		if p == nil {
			continue
		}
		printers = append(printers, models.PrinterInfo{
			Name:      stringField(p, "name"),
			Status:    stringField(p, "status"),
			IsDefault: boolField(p, "isDefault"),
		})
	}
	return printers
}
