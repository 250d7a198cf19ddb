/*
Package iso7816 implements the ISO/IEC 7816-4 command layer used to talk to an
electronic passport chip.

It covers the APDU codec (short and extended length), the CLA/INS/SW byte models,
command builders for the interindustry commands an ICAO 9303 reader issues, and a
Client that turns one logical command into the physical exchanges it needs.

# Fundamentals

The communication with a contactless chip is strictly synchronous:
 1. The terminal sends a Command APDU (Header + optional Body).
 2. The chip processes it and returns a Response APDU (optional Body + SW1 SW2).

# Status Words

  - 0x9000: Success.
  - 0x61XX: Success, XX more bytes are waiting. The Client issues GET RESPONSE and
    concatenates the data.
  - 0x6CXX: Wrong Le, XX is the correct length. The Client re-sends the command.
  - Other: an error. Client.Transmit turns it into a *StatusError classified with
    the mrtderr kinds (6A82 is KindNotFound, everything else KindProtocol).

# Secure Messaging

Once a session key is agreed (BAC or PACE), every command must be wrapped and every
response unwrapped. The Client delegates this to a Protector installed with
SetProtector. GET RESPONSE chaining happens below the protection layer, so a
Protector always sees the complete protected response.

# Usage Example: Reading a file

	client := iso7816.NewClient(channel)

	if _, err := client.Transmit(ctx, iso7816.SelectFile(0x011E)); err != nil {
	    return err
	}

	cmd, err := iso7816.ReadBinary(0, 4)
	if err != nil {
	    return err
	}
	resp, err := client.Transmit(ctx, cmd)
	if err != nil {
	    return err
	}
	fmt.Printf("EF.COM header: %X\n", resp.Data)
*/
package iso7816
