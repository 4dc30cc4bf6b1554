/*
Package worlddb persists the objects of a text-world server: rooms, mobiles,
items, accounts and whatever else the game defines.

Objects live in memory and are saved in the background. Simulation code
mutates an object and calls Engine.Save; a save pass started by Engine.Run
serializes everything pending and commits it atomically.

# Schema

A Schema declares object types (id spaces) and classes (concrete Go types).
A class implements one or more object types and is stored under a separate
id in each of them. Fields are declared with markers such as Int32, String,
Reference or Owned, and each field gets a stable parser id recorded in the
class's .map file. Renaming or removing a field never reassigns its id, so
data written by older builds keeps decoding.

# Files

	main.bin          running flag and pipeline state
	globals.bin       next class id
	objectTypes.bin   object type names, in id order
	<Type>.fix        16-byte index record per id: class, offset, size, capacity
	<Class>.map       parser id table
	<Class>.var       encoded objects
	<Class>.spc       free regions of the .var file
	prestaged.bin     encoded objects of the running pass
	staged.bin        every byte range the running pass will overwrite

# Save pass

A pass drains pending objects into prestaged.bin twice, the second time with
the world paused, then plans placements and writes the resulting overwrites
into staged.bin. Once staged.bin is durable the state becomes
WritingToDatabase and the overwrites are replayed into the real files. A
crash before that point loses the pass; a crash after it is finished by
replaying staged.bin on the next Open.

# Loading

Engine.Get claims an id before decoding it, so concurrent requests for the
same id wait for a single load instead of decoding it twice. A record whose
class is gone, or whose self id disagrees with the index, is marked
unreadable and reported as missing.
*/
package worlddb
