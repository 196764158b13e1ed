package body

import "fmt"

// Region identifies one of the anatomical contact zones in the
// biomechanical force model. The set is closed; values outside it are
// rejected by lookups rather than treated as safe.
type Region int

const (
	RegionForehead Region = iota
	RegionTemple
	RegionFace
	RegionNeckFront
	RegionNeckSide
	RegionNeckBack
	RegionShoulder
	RegionUpperBack
	RegionLowerBack
	RegionChest
	RegionRibcage
	RegionAbdomen
	RegionPelvis
	RegionHip
	RegionUpperArm
	RegionElbow
	RegionForearm
	RegionWrist
	RegionHandPalm
	RegionHandBack
	RegionFingers
	RegionThumb
	RegionThigh
	RegionKnee
	RegionShin
	RegionCalf
	RegionAnkle
	RegionFoot
	RegionToes

	regionCount
)

// String implements fmt.Stringer for Region.
func (r Region) String() string {
	if name, ok := regionNames[r]; ok {
		return name
	}
	return fmt.Sprintf("UNKNOWN_REGION(%d)", int(r))
}

var regionNames = map[Region]string{
	RegionForehead:  "FOREHEAD",
	RegionTemple:    "TEMPLE",
	RegionFace:      "FACE",
	RegionNeckFront: "NECK_FRONT",
	RegionNeckSide:  "NECK_SIDE",
	RegionNeckBack:  "NECK_BACK",
	RegionShoulder:  "SHOULDER",
	RegionUpperBack: "UPPER_BACK",
	RegionLowerBack: "LOWER_BACK",
	RegionChest:     "CHEST",
	RegionRibcage:   "RIBCAGE",
	RegionAbdomen:   "ABDOMEN",
	RegionPelvis:    "PELVIS",
	RegionHip:       "HIP",
	RegionUpperArm:  "UPPER_ARM",
	RegionElbow:     "ELBOW",
	RegionForearm:   "FOREARM",
	RegionWrist:     "WRIST",
	RegionHandPalm:  "HAND_PALM",
	RegionHandBack:  "HAND_BACK",
	RegionFingers:   "FINGERS",
	RegionThumb:     "THUMB",
	RegionThigh:     "THIGH",
	RegionKnee:      "KNEE",
	RegionShin:      "SHIN",
	RegionCalf:      "CALF",
	RegionAnkle:     "ANKLE",
	RegionFoot:      "FOOT",
	RegionToes:      "TOES",
}

// ParseRegion resolves a region name as produced by Region.String.
// Used by the configuration and replay layers; the hot path works with
// Region values directly.
func ParseRegion(name string) (Region, error) {
	for r, n := range regionNames {
		if n == name {
			return r, nil
		}
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownRegion, name)
}

// Regions returns all regions in the model, in table order.
func Regions() []Region {
	out := make([]Region, regionCount)
	for i := range out {
		out[i] = Region(i)
	}
	return out
}

// baseLimits is the unscaled biomechanical table, ISO/TS 15066 style:
// quasi-static limits per contact zone, transient limits at twice the
// quasi-static value except for the head and the front of the neck,
// where brief impacts are held to the sustained-contact limit.
//
// Indexed by Region. Values in newtons.
var baseLimits = [regionCount]ForceLimit{
	RegionForehead:  {QuasiStatic: 130, Transient: 130},
	RegionTemple:    {QuasiStatic: 65, Transient: 65},
	RegionFace:      {QuasiStatic: 65, Transient: 65},
	RegionNeckFront: {QuasiStatic: 35, Transient: 35},
	RegionNeckSide:  {QuasiStatic: 145, Transient: 290},
	RegionNeckBack:  {QuasiStatic: 150, Transient: 300},
	RegionShoulder:  {QuasiStatic: 210, Transient: 420},
	RegionUpperBack: {QuasiStatic: 210, Transient: 420},
	RegionLowerBack: {QuasiStatic: 210, Transient: 420},
	RegionChest:     {QuasiStatic: 140, Transient: 280},
	RegionRibcage:   {QuasiStatic: 140, Transient: 280},
	RegionAbdomen:   {QuasiStatic: 110, Transient: 220},
	RegionPelvis:    {QuasiStatic: 180, Transient: 360},
	RegionHip:       {QuasiStatic: 180, Transient: 360},
	RegionUpperArm:  {QuasiStatic: 150, Transient: 300},
	RegionElbow:     {QuasiStatic: 150, Transient: 300},
	RegionForearm:   {QuasiStatic: 160, Transient: 320},
	RegionWrist:     {QuasiStatic: 160, Transient: 320},
	RegionHandPalm:  {QuasiStatic: 150, Transient: 300},
	RegionHandBack:  {QuasiStatic: 140, Transient: 280},
	RegionFingers:   {QuasiStatic: 140, Transient: 280},
	RegionThumb:     {QuasiStatic: 140, Transient: 280},
	RegionThigh:     {QuasiStatic: 220, Transient: 440},
	RegionKnee:      {QuasiStatic: 220, Transient: 440},
	RegionShin:      {QuasiStatic: 130, Transient: 260},
	RegionCalf:      {QuasiStatic: 130, Transient: 260},
	RegionAnkle:     {QuasiStatic: 130, Transient: 260},
	RegionFoot:      {QuasiStatic: 130, Transient: 260},
	RegionToes:      {QuasiStatic: 125, Transient: 250},
}
