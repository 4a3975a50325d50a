// Package vrg implements a driver for the Oregon Physics variable frequency
// RF generator (VRG).
//
// The instrument speaks a short ASCII protocol terminated by carriage
// returns. Commands are a mnemonic, optionally followed by a zero-padded
// argument; queries return one line, optionally prefixed by an echo of the
// mnemonic.
//
// A Driver serializes every exchange with an internal mutex, so it may be
// shared by a polling task and on-demand callers. Arguments are checked
// against the factory hard limits and the currently allowed frequency window
// before anything is written.
//
// Example:
//
//	d, err := vrg.New(vrg.Config{Port: "/dev/ttyUSB0", MinFreq: 25, MaxFreq: 42, MaxPower: 800})
//	if err != nil {
//		return err
//	}
//	if err := d.Connect(); err != nil {
//		return err
//	}
//	defer d.Close()
//
//	greeting, _ := d.Ping()       // "WAZOO!"
//	_ = d.SetAbsorbedMode()       // PM1
//	_ = d.SetFrequency(39.2)      // SF39200
//	_ = d.SetPower(300)           // SP0300
//	fwd, _ := d.ForwardPower()    // RF
package vrg
