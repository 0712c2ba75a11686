package pointcloud

import (
	"bytes"
	"encoding/binary"
	"image/color"

	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"go.uber.org/multierr"
	"go.viam.com/utils"
)

// pointValueDataTag marks the VLR holding per point values.
const pointValueDataTag = "rc|pv"

// NewFromLASFile returns a point cloud read from a LAS file. Colors are kept for point format 2
// and values are restored from the value VLR written by WriteToLASFile.
func NewFromLASFile(fn string) (PointCloud, error) {
	lf, err := lidario.NewLasFile(fn, "r")
	if err != nil {
		return nil, err
	}
	defer utils.UncheckedErrorFunc(lf.Close)

	var valueData []byte
	for _, d := range lf.VlrData {
		if d.Description == pointValueDataTag {
			valueData = d.BinaryData
			break
		}
	}

	pc := NewWithPrealloc(lf.Header.NumberPoints)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, err
		}
		pd := p.PointData()

		var d Data
		if lf.Header.PointFormatID == 2 && p.RgbData() != nil {
			rgb := p.RgbData()
			d = NewColoredData(color.NRGBA{uint8(rgb.Red / 256), uint8(rgb.Green / 256), uint8(rgb.Blue / 256), 255})
		}
		if len(valueData) >= (i+1)*8 {
			if d == nil {
				d = NewBasicData()
			}
			d.SetValue(int(binary.LittleEndian.Uint64(valueData[i*8 : i*8+8])))
		}

		if err := pc.Set(r3.Vector{X: pd.X, Y: pd.Y, Z: pd.Z}, d); err != nil {
			return nil, err
		}
	}
	return pc, nil
}

// WriteToLASFile writes the cloud to fn as a LAS file. Colored clouds use point format 2.
func WriteToLASFile(cloud PointCloud, fn string) (err error) {
	lf, err := lidario.NewLasFile(fn, "w")
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	meta := cloud.MetaData()
	pointFormatID := byte(0)
	if meta.HasColor {
		pointFormatID = 2
	}
	if err := lf.AddHeader(lidario.LasHeader{PointFormatID: pointFormatID}); err != nil {
		return err
	}

	var values []int
	if meta.HasValue {
		values = make([]int, 0, cloud.Size())
	}
	var addErr error
	cloud.Iterate(0, 0, func(pos r3.Vector, d Data) bool {
		pr0 := &lidario.PointRecord0{
			X: pos.X,
			Y: pos.Y,
			Z: pos.Z,
			BitField: lidario.PointBitField{
				Value: (1) | (1 << 3),
			},
			PointSourceID: 1,
		}
		var lp lidario.LasPointer = pr0
		if meta.HasColor {
			red, green, blue := 255, 255, 255
			if d != nil && d.HasColor() {
				r, g, b := d.RGB255()
				red, green, blue = int(r), int(g), int(b)
			}
			lp = &lidario.PointRecord2{
				PointRecord0: pr0,
				RGB: &lidario.RgbData{
					Red:   uint16(red * 256),
					Green: uint16(green * 256),
					Blue:  uint16(blue * 256),
				},
			}
		}
		if meta.HasValue {
			v := 0
			if d != nil && d.HasValue() {
				v = d.Value()
			}
			values = append(values, v)
		}
		if addErr = lf.AddLasPoint(lp); addErr != nil {
			return false
		}
		return true
	})
	if addErr != nil {
		return addErr
	}

	if meta.HasValue {
		var buf bytes.Buffer
		word := make([]byte, 8)
		for _, v := range values {
			binary.LittleEndian.PutUint64(word, uint64(v))
			buf.Write(word)
		}
		if err := lf.AddVLR(lidario.VLR{
			Description:             pointValueDataTag,
			BinaryData:              buf.Bytes(),
			RecordLengthAfterHeader: buf.Len(),
		}); err != nil {
			return err
		}
	}
	return nil
}
