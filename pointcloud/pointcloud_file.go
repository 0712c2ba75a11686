package pointcloud

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"image/color"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"go.viam.com/utils"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/pcindex/logging"
)

// PCDType is the format of a pcd file.
type PCDType int

const (
	// PCDAscii ascii format for pcd.
	PCDAscii PCDType = 0
	// PCDBinary binary format for pcd.
	PCDBinary PCDType = 1
	// PCDCompressed binary format for pcd.
	PCDCompressed PCDType = 2
)

func (t PCDType) String() string {
	switch t {
	case PCDAscii:
		return "ascii"
	case PCDBinary:
		return "binary"
	case PCDCompressed:
		return "binary_compressed"
	default:
		return fmt.Sprintf("PCDType(%d)", int(t))
	}
}

// NewFromFile returns a pointcloud read in from the given file.
func NewFromFile(fn string, logger logging.Logger) (PointCloud, error) {
	switch filepath.Ext(fn) {
	case ".pcd":
		//nolint:gosec
		f, err := os.Open(fn)
		if err != nil {
			return nil, err
		}
		defer utils.UncheckedErrorFunc(f.Close)
		pc, err := ReadPCD(f)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %q", fn)
		}
		logger.Debugw("read point cloud", "file", fn, "points", pc.Size())
		return pc, nil
	case ".las":
		pc, err := NewFromLASFile(fn)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %q", fn)
		}
		logger.Debugw("read point cloud", "file", fn, "points", pc.Size())
		return pc, nil
	default:
		return nil, errors.Errorf("do not know how to read file %q", fn)
	}
}

// WriteToFile writes the cloud to fn as a PCD file of the given type.
func WriteToFile(cloud PointCloud, fn string, outputType PCDType) (err error) {
	//nolint:gosec
	f, err := os.Create(fn)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	w := bufio.NewWriter(f)
	if err := ToPCD(cloud, w, outputType); err != nil {
		return err
	}
	return w.Flush()
}

// Points without color are written as red.
func colorToPCDInt(pt Data) uint32 {
	if pt == nil || !pt.HasColor() {
		return 255 << 16
	}
	r, g, b := pt.RGB255()
	return uint32(r)<<16 | uint32(g)<<8 | uint32(b)
}

func pcdIntToColor(c uint32) color.NRGBA {
	return color.NRGBA{uint8(0xFF & (c >> 16)), uint8(0xFF & (c >> 8)), uint8(0xFF & c), 255}
}

// ToPCD writes the cloud to out in the PCD v0.7 format.
func ToPCD(cloud PointCloud, out io.Writer, outputType PCDType) error {
	if outputType != PCDAscii && outputType != PCDBinary {
		return errors.Errorf("writing %s PCD is not supported", outputType)
	}
	hasColor := cloud.MetaData().HasColor
	var fields string
	if hasColor {
		fields = "FIELDS x y z rgb\n" +
			"SIZE 4 4 4 4\n" +
			"TYPE F F F U\n" +
			"COUNT 1 1 1 1\n"
	} else {
		fields = "FIELDS x y z\n" +
			"SIZE 4 4 4\n" +
			"TYPE F F F\n" +
			"COUNT 1 1 1\n"
	}
	if _, err := fmt.Fprintf(out, "VERSION .7\n%s"+
		"WIDTH %d\n"+
		"HEIGHT 1\n"+
		"VIEWPOINT 0 0 0 1 0 0 0\n"+
		"POINTS %d\n"+
		"DATA %s\n",
		fields, cloud.Size(), cloud.Size(), outputType); err != nil {
		return err
	}
	return writePCDData(cloud, out, outputType, hasColor)
}

func writePCDData(cloud PointCloud, out io.Writer, pcdtype PCDType, hasColor bool) error {
	var err error
	buf := make([]byte, 16)
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		switch pcdtype {
		case PCDBinary:
			binary.LittleEndian.PutUint32(buf, math.Float32bits(float32(pos.X)))
			binary.LittleEndian.PutUint32(buf[4:], math.Float32bits(float32(pos.Y)))
			binary.LittleEndian.PutUint32(buf[8:], math.Float32bits(float32(pos.Z)))
			n := 12
			if hasColor {
				binary.LittleEndian.PutUint32(buf[12:], colorToPCDInt(d))
				n = 16
			}
			_, err = out.Write(buf[:n])
		default:
			line := formatFloat(pos.X) + " " + formatFloat(pos.Y) + " " + formatFloat(pos.Z)
			if hasColor {
				line += " " + strconv.FormatUint(uint64(colorToPCDInt(d)), 10)
			}
			_, err = io.WriteString(out, line+"\n")
		}
		return err == nil
	})
	return err
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

type pcdFieldType int

const (
	pcdPointOnly  pcdFieldType = 3
	pcdPointColor pcdFieldType = 4
)

type pcdValType string

const (
	pcdValFloat pcdValType = "F"
	pcdValInt   pcdValType = "I"
	pcdValUInt  pcdValType = "U"
)

// Viewpoint is the acquisition pose recorded in a PCD header.
type Viewpoint struct {
	Translation r3.Vector
	Orientation quat.Number
}

type pcdHeader struct {
	fields    pcdFieldType
	size      []uint64
	valTypes  []pcdValType
	count     []uint64
	width     uint64
	height    uint64
	viewpoint Viewpoint
	points    uint64
	data      PCDType
}

const pcdCommentChar = "#"

var pcdHeaderFields = []string{"VERSION", "FIELDS", "SIZE", "TYPE", "COUNT", "WIDTH", "HEIGHT", "VIEWPOINT", "POINTS", "DATA"}

func parseFieldTokens(name string, tokens []string, fields pcdFieldType) ([]uint64, error) {
	if len(tokens) != int(fields) {
		return nil, errors.Errorf("unexpected number of fields in %s line", name)
	}
	out := make([]uint64, len(tokens))
	for i, token := range tokens {
		v, err := strconv.ParseUint(token, 10, 64)
		if err != nil {
			return nil, errors.Wrapf(err, "invalid %s field %s", name, token)
		}
		out[i] = v
	}
	return out, nil
}

func parsePCDHeaderLine(line string, index int, header *pcdHeader) error {
	var err error
	name := pcdHeaderFields[index]
	field, value, _ := strings.Cut(line, " ")
	value = strings.TrimSpace(value)
	tokens := strings.Fields(value)
	if field != name {
		return errors.Errorf("line is supposed to start with %s but is %s", name, line)
	}

	switch name {
	case "VERSION":
		if value != ".7" && value != "0.7" {
			return errors.Errorf("unsupported pcd version %s", value)
		}
	case "FIELDS":
		switch strings.Join(tokens, " ") {
		case "x y z":
			header.fields = pcdPointOnly
		case "x y z rgb":
			header.fields = pcdPointColor
		default:
			return errors.Errorf("unsupported pcd fields %s", value)
		}
	case "SIZE":
		if header.size, err = parseFieldTokens(name, tokens, header.fields); err != nil {
			return err
		}
		for i, s := range header.size {
			if s != 4 && (s != 8 || i == 3) {
				return errors.Errorf("unsupported SIZE %d for field %d", s, i)
			}
		}
	case "TYPE":
		if len(tokens) != int(header.fields) {
			return errors.New("unexpected number of fields in TYPE line")
		}
		header.valTypes = make([]pcdValType, len(tokens))
		for i, token := range tokens {
			header.valTypes[i] = pcdValType(token)
			switch header.valTypes[i] {
			case pcdValFloat, pcdValInt, pcdValUInt:
			default:
				return errors.Errorf("invalid TYPE field %s", token)
			}
		}
	case "COUNT":
		if header.count, err = parseFieldTokens(name, tokens, header.fields); err != nil {
			return err
		}
		for _, c := range header.count {
			if c != 1 {
				return errors.Errorf("unsupported COUNT %d", c)
			}
		}
	case "WIDTH":
		if header.width, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid WIDTH field %s", value)
		}
	case "HEIGHT":
		if header.height, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid HEIGHT field %s", value)
		}
	case "VIEWPOINT":
		if len(tokens) != 7 {
			return errors.Errorf("unexpected number of fields in VIEWPOINT line. Expected 7, got %d", len(tokens))
		}
		viewpoint := [7]float64{}
		for i, token := range tokens {
			if viewpoint[i], err = strconv.ParseFloat(token, 64); err != nil {
				return errors.Wrapf(err, "invalid VIEWPOINT field %s", token)
			}
		}
		q := quat.Number{Real: viewpoint[3], Imag: viewpoint[4], Jmag: viewpoint[5], Kmag: viewpoint[6]}
		norm := quat.Abs(q)
		if norm == 0 || math.IsNaN(norm) {
			return errors.New("VIEWPOINT orientation is not a valid quaternion")
		}
		header.viewpoint = Viewpoint{
			Translation: r3.Vector{X: viewpoint[0], Y: viewpoint[1], Z: viewpoint[2]},
			Orientation: quat.Scale(1/norm, q),
		}
	case "POINTS":
		if header.points, err = strconv.ParseUint(value, 10, 64); err != nil {
			return errors.Wrapf(err, "invalid POINTS field %s", value)
		}
		if header.points != header.width*header.height {
			return errors.Errorf("POINTS field %d does not match WIDTH*HEIGHT %d", header.points, header.width*header.height)
		}
	case "DATA":
		switch value {
		case "ascii":
			header.data = PCDAscii
		case "binary":
			header.data = PCDBinary
		case "binary_compressed":
			header.data = PCDCompressed
		default:
			return errors.Errorf("unsupported pcd data type %s", value)
		}
	}
	return nil
}

func readPCDHeader(in *bufio.Reader) (pcdHeader, error) {
	header := pcdHeader{}
	headerLineCount := 0
	for headerLineCount < len(pcdHeaderFields) {
		line, err := in.ReadString('\n')
		if err != nil {
			return header, errors.Wrapf(err, "error reading header line %d", headerLineCount)
		}
		line, _, _ = strings.Cut(line, pcdCommentChar)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if err := parsePCDHeaderLine(line, headerLineCount, &header); err != nil {
			return header, err
		}
		headerLineCount++
	}
	return header, nil
}

// ReadPCD reads a PCD v0.7 cloud with fields "x y z" or "x y z rgb". Point order is preserved.
func ReadPCD(inRaw io.Reader) (PointCloud, error) {
	pc, _, err := ReadPCDWithViewpoint(inRaw)
	return pc, err
}

// ReadPCDWithViewpoint is ReadPCD that also returns the header's normalized viewpoint.
func ReadPCDWithViewpoint(inRaw io.Reader) (PointCloud, Viewpoint, error) {
	in := bufio.NewReader(inRaw)
	header, err := readPCDHeader(in)
	if err != nil {
		return nil, Viewpoint{}, err
	}
	var pc PointCloud
	switch header.data {
	case PCDAscii:
		pc, err = readPCDAscii(in, header)
	case PCDBinary:
		pc, err = readPCDBinary(in, header)
	default:
		return nil, Viewpoint{}, errors.Errorf("%s pcd not yet supported", header.data)
	}
	if err != nil {
		return nil, Viewpoint{}, err
	}
	return pc, header.viewpoint, nil
}

func readPCDAscii(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	for i := 0; i < int(header.points); i++ {
		line, err := in.ReadString('\n')
		if err != nil && !(errors.Is(err, io.EOF) && line != "") {
			return nil, errors.Wrapf(err, "reading point %d", i)
		}
		tokens := strings.Fields(line)
		if len(tokens) != int(header.fields) {
			return nil, errors.Errorf("unexpected number of fields in point %d", i)
		}
		point := make([]float64, len(tokens))
		for j, token := range tokens {
			if point[j], err = strconv.ParseFloat(token, 64); err != nil {
				return nil, errors.Wrapf(err, "invalid point %d field %s", i, token)
			}
		}
		if err := setFromSlice(pc, point, header); err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
	}
	return pc, nil
}

func readPCDBinary(in *bufio.Reader, header pcdHeader) (PointCloud, error) {
	pc := NewWithPrealloc(int(header.points))
	pointBuf := make([]float64, int(header.fields))
	buf := make([]byte, 8)
	for i := 0; i < int(header.points); i++ {
		for j := 0; j < int(header.fields); j++ {
			size := header.size[j]
			if _, err := io.ReadFull(in, buf[:size]); err != nil {
				return nil, errors.Wrapf(err, "reading point %d", i)
			}
			pointBuf[j] = decodeBinaryField(buf[:size], header.valTypes[j])
		}
		if err := setFromSlice(pc, pointBuf, header); err != nil {
			return nil, errors.Wrapf(err, "point %d", i)
		}
	}
	return pc, nil
}

func decodeBinaryField(buf []byte, valType pcdValType) float64 {
	if len(buf) == 8 {
		bits := binary.LittleEndian.Uint64(buf)
		switch valType {
		case pcdValInt:
			return float64(int64(bits))
		case pcdValUInt:
			return float64(bits)
		default:
			return math.Float64frombits(bits)
		}
	}
	bits := binary.LittleEndian.Uint32(buf)
	switch valType {
	case pcdValInt:
		return float64(int32(bits))
	case pcdValUInt:
		return float64(bits)
	default:
		return float64(math.Float32frombits(bits))
	}
}

func setFromSlice(pc PointCloud, slice []float64, header pcdHeader) error {
	pos := r3.Vector{X: slice[0], Y: slice[1], Z: slice[2]}
	switch header.fields {
	case pcdPointOnly:
		return pc.Set(pos, nil)
	case pcdPointColor:
		return pc.Set(pos, NewColoredData(pcdIntToColor(uint32(slice[3]))))
	default:
		return errors.Errorf("unsupported pcd field type %d", header.fields)
	}
}
