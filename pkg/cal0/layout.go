package cal0

const (
	// Magic is "CAL0" read as a little-endian uint32.
	Magic = 0x304c4143

	// CalibrationSize is how much of PRODINFO holds the record.
	CalibrationSize = 0x8000
	// MinimumSize and MaximumSize bound donor files. MaximumSize is also
	// the size of built records (the full PRODINFO span).
	MinimumSize = 0x8000
	MaximumSize = 0x3fbc00

	// BodyOffset is where the hashed body starts.
	BodyOffset = 0x40

	// ScratchVersion is the version written into records built from
	// scratch.
	ScratchVersion = 7
)

// Field is a checksummed region of the record. The CRC16 over
// [Offset, Offset+Size) is stored little-endian right after it.
type Field struct {
	Name   string
	Offset int64
	Size   int64
}

func (f Field) CRCOffset() int64 {
	return f.Offset + f.Size
}

func (f Field) End() int64 {
	return f.Offset + f.Size + 2
}

var (
	ConfigurationId1                     = Field{"ConfigurationId1", 0x0040, 0x1e}
	WlanCountryCodes                     = Field{"WlanCountryCodes", 0x0080, 0x18e}
	WlanMacAddress                       = Field{"WlanMacAddress", 0x0210, 0xe}
	BdAddress                            = Field{"BdAddress", 0x0220, 0xe}
	AccelerometerOffset                  = Field{"AccelerometerOffset", 0x0230, 0x6}
	AccelerometerScale                   = Field{"AccelerometerScale", 0x0238, 0x6}
	GyroscopeOffset                      = Field{"GyroscopeOffset", 0x0240, 0x6}
	GyroscopeScale                       = Field{"GyroscopeScale", 0x0248, 0x6}
	SerialNumber                         = Field{"SerialNumber", 0x0250, 0x1e}
	EccP256DeviceKey                     = Field{"EccP256DeviceKey", 0x0270, 0x3e}
	EccP256DeviceCertificate             = Field{"EccP256DeviceCertificate", 0x02b0, 0x18e}
	EccB233DeviceKey                     = Field{"EccB233DeviceKey", 0x0440, 0x3e}
	EccB233DeviceCertificate             = Field{"EccB233DeviceCertificate", 0x0480, 0x18e}
	EccP256ETicketKey                    = Field{"EccP256ETicketKey", 0x0610, 0x3e}
	EccP256ETicketCertificate            = Field{"EccP256ETicketCertificate", 0x0650, 0x18e}
	EccB233ETicketKey                    = Field{"EccB233ETicketKey", 0x07e0, 0x3e}
	EccB233ETicketCertificate            = Field{"EccB233ETicketCertificate", 0x0820, 0x18e}
	SslKey                               = Field{"SslKey", 0x09b0, 0x11e}
	SslCertificateSize                   = Field{"SslCertificateSize", 0x0ad0, 0xe}
	GameCardKey                          = Field{"GameCardKey", 0x2320, 0x11e}
	Rsa2048ETicketKey                    = Field{"Rsa2048ETicketKey", 0x2860, 0x22e}
	Rsa2048ETicketCertificate            = Field{"Rsa2048ETicketCertificate", 0x2a90, 0x24e}
	BatteryLot                           = Field{"BatteryLot", 0x2ce0, 0x1e}
	SpeakerCalibrationValue              = Field{"SpeakerCalibrationValue", 0x2d00, 0x80e}
	RegionCode                           = Field{"RegionCode", 0x3510, 0xe}
	AmiiboKey                            = Field{"AmiiboKey", 0x3520, 0x5e}
	AmiiboEcqvCertificate                = Field{"AmiiboEcqvCertificate", 0x3580, 0x1e}
	AmiiboEcdsaCertificate               = Field{"AmiiboEcdsaCertificate", 0x35a0, 0x7e}
	AmiiboEcqvBlsKey                     = Field{"AmiiboEcqvBlsKey", 0x3620, 0x4e}
	AmiiboEcqvBlsCertificate             = Field{"AmiiboEcqvBlsCertificate", 0x3670, 0x2e}
	AmiiboEcqvBlsRootCertificate         = Field{"AmiiboEcqvBlsRootCertificate", 0x36a0, 0x9e}
	ProductModel                         = Field{"ProductModel", 0x3740, 0xe}
	ColorVariation                       = Field{"ColorVariation", 0x3750, 0xe}
	LcdBacklightBrightnessMapping        = Field{"LcdBacklightBrightnessMapping", 0x3760, 0xe}
	ExtendedEccB233DeviceKey             = Field{"ExtendedEccB233DeviceKey", 0x3770, 0x5e}
	ExtendedEccP256ETicketKey            = Field{"ExtendedEccP256ETicketKey", 0x37d0, 0x5e}
	ExtendedEccB233ETicketKey            = Field{"ExtendedEccB233ETicketKey", 0x3830, 0x5e}
	ExtendedRsa2048ETicketKey            = Field{"ExtendedRsa2048ETicketKey", 0x3890, 0x24e}
	ExtendedSslKey                       = Field{"ExtendedSslKey", 0x3ae0, 0x13e}
	ExtendedGameCardKey                  = Field{"ExtendedGameCardKey", 0x3c20, 0x13e}
	LcdVendorId                          = Field{"LcdVendorId", 0x3d60, 0xe}
	ExtendedRsa2048DeviceKey             = Field{"ExtendedRsa2048DeviceKey", 0x3d70, 0x24e}
	Rsa2048DeviceCertificate             = Field{"Rsa2048DeviceCertificate", 0x3fc0, 0x24e}
	UsbTypeCPowerSourceCircuitVersion    = Field{"UsbTypeCPowerSourceCircuitVersion", 0x4210, 0xe}
	HousingSubColor                      = Field{"HousingSubColor", 0x4220, 0xe}
	HousingBezelColor                    = Field{"HousingBezelColor", 0x4230, 0xe}
	HousingMainColor1                    = Field{"HousingMainColor1", 0x4240, 0xe}
	HousingMainColor2                    = Field{"HousingMainColor2", 0x4250, 0xe}
	HousingMainColor3                    = Field{"HousingMainColor3", 0x4260, 0xe}
	AnalogStickModuleTypeL               = Field{"AnalogStickModuleTypeL", 0x4270, 0xe}
	AnalogStickModuleTypeR               = Field{"AnalogStickModuleTypeR", 0x4280, 0xe}
	AnalogStickModelParameterL           = Field{"AnalogStickModelParameterL", 0x4290, 0x1e}
	AnalogStickModelParameterR           = Field{"AnalogStickModelParameterR", 0x42b0, 0x1e}
	AnalogStickFactoryCalibrationL       = Field{"AnalogStickFactoryCalibrationL", 0x42d0, 0xe}
	AnalogStickFactoryCalibrationR       = Field{"AnalogStickFactoryCalibrationR", 0x42e0, 0xe}
	ConsoleSixAxisSensorModuleType       = Field{"ConsoleSixAxisSensorModuleType", 0x42f0, 0xe}
	ConsoleSixAxisSensorHorizontalOffset = Field{"ConsoleSixAxisSensorHorizontalOffset", 0x4300, 0xe}
	BatteryVersion                       = Field{"BatteryVersion", 0x4310, 0xe}
	TouchIcVendorId                      = Field{"TouchIcVendorId", 0x4320, 0xe}
)

// Fields is every checksummed field, in record order.
var Fields = []Field{
	ConfigurationId1,
	WlanCountryCodes,
	WlanMacAddress,
	BdAddress,
	AccelerometerOffset,
	AccelerometerScale,
	GyroscopeOffset,
	GyroscopeScale,
	SerialNumber,
	EccP256DeviceKey,
	EccP256DeviceCertificate,
	EccB233DeviceKey,
	EccB233DeviceCertificate,
	EccP256ETicketKey,
	EccP256ETicketCertificate,
	EccB233ETicketKey,
	EccB233ETicketCertificate,
	SslKey,
	SslCertificateSize,
	GameCardKey,
	Rsa2048ETicketKey,
	Rsa2048ETicketCertificate,
	BatteryLot,
	SpeakerCalibrationValue,
	RegionCode,
	AmiiboKey,
	AmiiboEcqvCertificate,
	AmiiboEcdsaCertificate,
	AmiiboEcqvBlsKey,
	AmiiboEcqvBlsCertificate,
	AmiiboEcqvBlsRootCertificate,
	ProductModel,
	ColorVariation,
	LcdBacklightBrightnessMapping,
	ExtendedEccB233DeviceKey,
	ExtendedEccP256ETicketKey,
	ExtendedEccB233ETicketKey,
	ExtendedRsa2048ETicketKey,
	ExtendedSslKey,
	ExtendedGameCardKey,
	LcdVendorId,
	ExtendedRsa2048DeviceKey,
	Rsa2048DeviceCertificate,
	UsbTypeCPowerSourceCircuitVersion,
	HousingSubColor,
	HousingBezelColor,
	HousingMainColor1,
	HousingMainColor2,
	HousingMainColor3,
	AnalogStickModuleTypeL,
	AnalogStickModuleTypeR,
	AnalogStickModelParameterL,
	AnalogStickModelParameterR,
	AnalogStickFactoryCalibrationL,
	AnalogStickFactoryCalibrationR,
	ConsoleSixAxisSensorModuleType,
	ConsoleSixAxisSensorHorizontalOffset,
	BatteryVersion,
	TouchIcVendorId,
}

// verifiedFields are the checksums Verify looks at on top of the hashes.
// Extended keys are not among them: a record may carry only the legacy
// form of a key.
var verifiedFields = []Field{
	SerialNumber,
	EccB233DeviceCertificate,
	AmiiboEcdsaCertificate,
	AmiiboEcqvBlsRootCertificate,
}

// HashRegion is a SHA-256 guarded region. Its length is either read as a
// uint32 from SizeOffset, or fixed to MaxSize when SizeOffset is zero.
type HashRegion struct {
	Name       string
	Offset     int64
	SizeOffset int64
	MaxSize    int64
	HashOffset int64
	// AllowEmpty permits a declared length of zero.
	AllowEmpty bool
}

var (
	Body                = HashRegion{Name: "Body", Offset: BodyOffset, SizeOffset: 0x8, MaxSize: MaximumSize - BodyOffset, HashOffset: 0x20}
	SslCertificate      = HashRegion{Name: "SslCertificate", Offset: 0xae0, SizeOffset: 0xad0, MaxSize: 0x800, HashOffset: 0x12e0, AllowEmpty: true}
	RandomNumber        = HashRegion{Name: "RandomNumber", Offset: 0x1300, MaxSize: 0x1000, HashOffset: 0x2300}
	GameCardCertificate = HashRegion{Name: "GameCardCertificate", Offset: 0x2440, MaxSize: 0x400, HashOffset: 0x2840}
)

// HashRegions lists the regions hashed during finalization. Body must stay
// last, since it covers all others.
var HashRegions = []HashRegion{
	SslCertificate,
	RandomNumber,
	GameCardCertificate,
	Body,
}
