package admitsim

// desc-topo.go holds the serializable descriptions of a network topology and
// the functions that read them from (and write them to) files.

import (
	"bytes"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"math"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/net/html/charset"
	"gopkg.in/yaml.v3"
)

// ErrUnknownTopoFormat is returned when a topology file's extension names
// no loader we know about
var ErrUnknownTopoFormat = errors.New("unknown topology file format")

// NodeDesc is the serializable description of a network node.
// X and Y are coordinates, geographical (longitude, latitude) or planar as
// given by the enclosing TopoDesc
type NodeDesc struct {
	Name string  `json:"name" yaml:"name"`
	X    float64 `json:"x" yaml:"x"`
	Y    float64 `json:"y" yaml:"y"`
}

// LinkDesc is the serializable description of an undirected link.
// Weight orders the candidate paths when the routing metric is "weight";
// Length does when the metric is "length".  A zero Weight is read as 1.
type LinkDesc struct {
	Name   string  `json:"name" yaml:"name"`
	Src    string  `json:"src" yaml:"src"`
	Dst    string  `json:"dst" yaml:"dst"`
	Weight float64 `json:"weight" yaml:"weight"`
	Length float64 `json:"length" yaml:"length"`
}

// TopoDesc is the serializable description of a whole topology
type TopoDesc struct {
	Name string `json:"name" yaml:"name"`

	// "geographical" or anything else, which is taken to be planar
	CoordinatesType string `json:"coordinatestype" yaml:"coordinatestype"`

	Nodes []NodeDesc `json:"nodes" yaml:"nodes"`
	Links []LinkDesc `json:"links" yaml:"links"`
}

// CreateTopoDesc is a constructor
func CreateTopoDesc(name string) *TopoDesc {
	td := new(TopoDesc)
	td.Name = name
	td.Nodes = make([]NodeDesc, 0)
	td.Links = make([]LinkDesc, 0)
	return td
}

// AddNode appends a node description
func (td *TopoDesc) AddNode(name string, x, y float64) {
	td.Nodes = append(td.Nodes, NodeDesc{Name: name, X: x, Y: y})
}

// AddLink appends a link description, naming it from its endpoints
func (td *TopoDesc) AddLink(src, dst string, weight, length float64) {
	name := src + "-" + dst
	td.Links = append(td.Links, LinkDesc{Name: name, Src: src, Dst: dst, Weight: weight, Length: length})
}

// RingTopoDesc builds a ring of n nodes named "0" ... "n-1", with unit weight
// and unit length on every link
func RingTopoDesc(n int) *TopoDesc {
	td := CreateTopoDesc("ring" + strconv.Itoa(n))
	for idx := 0; idx < n; idx++ {
		angle := 2 * math.Pi * float64(idx) / float64(n)
		td.AddNode(strconv.Itoa(idx), math.Cos(angle), math.Sin(angle))
	}
	for idx := 0; idx < n; idx++ {
		td.AddLink(strconv.Itoa(idx), strconv.Itoa((idx+1)%n), 1.0, 1.0)
	}
	return td
}

// WriteToFile stores the TopoDesc struct to the file whose name is given.
// Serialization to json or to yaml is selected based on the extension of this name.
func (td *TopoDesc) WriteToFile(filename string) error {
	return writeDesc(filename, td)
}

// ReadTopoDesc deserializes a byte slice holding a representation of a TopoDesc struct.
// If the input argument of dict (those bytes) is empty, the file whose name is given is read
// to acquire them.
func ReadTopoDesc(filename string, useYAML bool, dict []byte) (*TopoDesc, error) {
	var err error

	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	example := TopoDesc{}

	if useYAML {
		err = yaml.Unmarshal(dict, &example)
	} else {
		err = json.Unmarshal(dict, &example)
	}

	if err != nil {
		return nil, err
	}

	return &example, nil
}

// the subset of the SNDlib native XML format we read
type sndlibNetwork struct {
	XMLName xml.Name `xml:"network"`
	Nodes   struct {
		CoordinatesType string       `xml:"coordinatesType,attr"`
		Node            []sndlibNode `xml:"node"`
	} `xml:"networkStructure>nodes"`
	Links []sndlibLink `xml:"networkStructure>links>link"`
}

type sndlibNode struct {
	ID string  `xml:"id,attr"`
	X  float64 `xml:"coordinates>x"`
	Y  float64 `xml:"coordinates>y"`
}

type sndlibLink struct {
	ID     string `xml:"id,attr"`
	Source string `xml:"source"`
	Target string `xml:"target"`
}

// ReadSNDlibTopo parses an SNDlib XML network, from dict if that is non-empty
// and otherwise from the named file.  Every link gets weight 1, so paths ordered
// by weight are ordered by hop count; length is the distance between the endpoint
// coordinates, rounded to three decimals.
func ReadSNDlibTopo(filename string, dict []byte) (*TopoDesc, error) {
	var err error
	if len(dict) == 0 {
		dict, err = os.ReadFile(filename)
		if err != nil {
			return nil, err
		}
	}

	// SNDlib files are commonly declared ISO-8859-1
	var sn sndlibNetwork
	dec := xml.NewDecoder(bytes.NewReader(dict))
	dec.CharsetReader = charset.NewReaderLabel
	if err = dec.Decode(&sn); err != nil {
		return nil, fmt.Errorf("parsing SNDlib topology %s: %w", filename, err)
	}

	name := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	td := CreateTopoDesc(name)
	td.CoordinatesType = sn.Nodes.CoordinatesType

	pos := make(map[string]NodeDesc)
	for _, node := range sn.Nodes.Node {
		td.AddNode(node.ID, node.X, node.Y)
		pos[node.ID] = td.Nodes[len(td.Nodes)-1]
	}

	geo := td.CoordinatesType == "geographical"
	for _, lnk := range sn.Links {
		src, srcOK := pos[lnk.Source]
		dst, dstOK := pos[lnk.Target]
		length := 0.0
		if srcOK && dstOK {
			if geo {
				length = geoDistance(src.Y, src.X, dst.Y, dst.X)
			} else {
				length = math.Hypot(src.X-dst.X, src.Y-dst.Y)
			}
		}
		td.Links = append(td.Links, LinkDesc{Name: lnk.ID, Src: lnk.Source, Dst: lnk.Target,
			Weight: 1.0, Length: roundFloat(length, 3)})
	}
	return td, nil
}

// earthRadius is in kilometers
const earthRadius = 6373.0

// geoDistance is the great-circle distance between two (latitude, longitude)
// points given in degrees
func geoDistance(lat1, lon1, lat2, lon2 float64) float64 {
	rlat1 := lat1 * math.Pi / 180
	rlat2 := lat2 * math.Pi / 180
	dlat := rlat2 - rlat1
	dlon := (lon2 - lon1) * math.Pi / 180

	a := math.Pow(math.Sin(dlat/2), 2) + math.Cos(rlat1)*math.Cos(rlat2)*math.Pow(math.Sin(dlon/2), 2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadius * c
}

// LoadTopoDesc reads a topology description, choosing the reader from the file
// extension.  A name of the form "ring:N" builds a ring of N nodes instead.
func LoadTopoDesc(filename string) (*TopoDesc, error) {
	if strings.HasPrefix(filename, "ring:") {
		n, err := strconv.Atoi(strings.TrimPrefix(filename, "ring:"))
		if err != nil || n < 3 {
			return nil, fmt.Errorf("%w: ring topology %q needs an integer size of at least 3", ErrConfig, filename)
		}
		return RingTopoDesc(n), nil
	}

	switch strings.ToLower(path.Ext(filename)) {
	case ".yaml", ".yml":
		return ReadTopoDesc(filename, true, nil)
	case ".json":
		return ReadTopoDesc(filename, false, nil)
	case ".xml":
		return ReadSNDlibTopo(filename, nil)
	}
	return nil, fmt.Errorf("%w: %w: %s", ErrConfig, ErrUnknownTopoFormat, filename)
}

// writeDesc serializes desc to yaml or json, as selected by the file extension
func writeDesc(filename string, desc any) error {
	pathExt := path.Ext(filename)
	var bytes []byte
	var merr error

	switch pathExt {
	case ".yaml", ".YAML", ".yml":
		bytes, merr = yaml.Marshal(desc)
	case ".json", ".JSON":
		bytes, merr = json.MarshalIndent(desc, "", "\t")
	default:
		return fmt.Errorf("cannot select serialization for %s", filename)
	}

	if merr != nil {
		return merr
	}

	return os.WriteFile(filename, bytes, 0o644)
}

// ReportErrs transforms a list of errors and transforms the non-nil ones into a single error
// with comma-separated report of all the constituent errors, and returns it.
func ReportErrs(errs []error) error {
	errMsg := make([]string, 0)
	for _, err := range errs {
		if err != nil {
			errMsg = append(errMsg, err.Error())
		}
	}
	if len(errMsg) == 0 {
		return nil
	}

	return errors.New(strings.Join(errMsg, ","))
}

// CheckReadableFiles probes the file system to ensure that every
// one of the argument filenames exists and is readable.  Generated
// topology names ("ring:N") are skipped.
func CheckReadableFiles(names []string) (bool, error) {
	errs := make([]error, 0)
	for _, name := range names {
		if len(name) == 0 || strings.HasPrefix(name, "ring:") {
			continue
		}
		if _, err := os.Stat(name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == 0 {
		return true, nil
	}
	return false, ReportErrs(errs)
}

// CheckDirectories probes the file system for the existence
// of every (non-empty) directory listed, creating the ones that are missing
// when create is set.
func CheckDirectories(dirs []string, create bool) (bool, error) {
	failures := []string{}

	for _, dir := range dirs {
		if len(dir) == 0 {
			continue
		}

		info, err := os.Stat(dir)
		if err == nil {
			if !info.IsDir() {
				failures = append(failures, fmt.Sprintf("%s not a directory", dir))
			}
			continue
		}
		if create && errors.Is(err, os.ErrNotExist) {
			if merr := os.MkdirAll(dir, 0o755); merr != nil {
				failures = append(failures, merr.Error())
			}
			continue
		}
		failures = append(failures, fmt.Sprintf("%s not reachable", dir))
	}
	if len(failures) == 0 {
		return true, nil
	}

	return false, errors.New(strings.Join(failures, ","))
}
